package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

// Kind is the kind of content requested from the provider.
type Kind string

const (
	KindOutline     Kind = "outline"
	KindArticle     Kind = "article"
	KindArticleQuiz Kind = "article_quiz"
	KindSectionQuiz Kind = "section_quiz"
	KindFinalExam   Kind = "final_exam"
)

// Context is the material a prompt is framed with.
type Context struct {
	CourseTitle  string
	Description  string
	Level        string
	SectionTitle string
	ArticleTitle string
	// Source is the text to quiz over or expand on.
	Source string
}

// Generator runs one provider call per request under a hard timeout.
type Generator struct {
	registry *Registry
	provider string
	model    string
	timeout  time.Duration
}

func NewGenerator(reg *Registry, provider, model string, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Generator{registry: reg, provider: provider, model: model, timeout: timeout}
}

func (g *Generator) Timeout() time.Duration { return g.timeout }

// Generate returns the provider's text for kind. Exceeding the timeout is a
// transient failure.
func (g *Generator) Generate(ctx context.Context, kind Kind, in Context) (string, error) {
	p, err := g.registry.Get(ctx, g.provider, g.model)
	if err != nil {
		return "", apperr.Fatal(err)
	}
	msgs, err := Prompt(kind, in)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := p.Chat(callCtx, msgs)
	return out, g.timeoutError(ctx, callCtx, err)
}

// Stream is Generate for providers that stream; onChunk sees the running
// length of the text. Providers that cannot stream fall back to Generate.
func (g *Generator) Stream(ctx context.Context, kind Kind, in Context, onChunk func(total int)) (string, error) {
	p, err := g.registry.Get(ctx, g.provider, g.model)
	if err != nil {
		return "", apperr.Fatal(err)
	}
	sp, ok := p.(StreamProvider)
	if !ok {
		return g.Generate(ctx, kind, in)
	}
	msgs, err := Prompt(kind, in)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	chunks, errs := sp.StreamChat(callCtx, msgs)
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		if onChunk != nil {
			onChunk(b.Len())
		}
	}
	if err := <-errs; err != nil {
		return "", g.timeoutError(ctx, callCtx, err)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", apperr.Permanent(errors.New("empty streamed response"))
	}
	return b.String(), nil
}

func (g *Generator) timeoutError(parent, call context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return apperr.Transient(fmt.Errorf("generation timed out after %s: %w", g.timeout, err))
	}
	return err
}
