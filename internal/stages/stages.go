// Package stages holds the job handlers of the generation pipeline. Each
// handler re-reads what it works on from storage, calls the provider,
// checks its lease and persists the result.
package stages

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/email"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

type Deps struct {
	Repo  *content.Repo
	Gen   *ai.Generator
	Queue queue.Queue
	Mail  email.Sender
	Log   *logger.Logger

	// NotifyEmail receives a note for every generated quiz. Empty disables.
	NotifyEmail string
	SitemapPath string
	SiteBaseURL string
}

// Register adds every stage handler to reg.
func Register(reg *worker.Registry, d Deps) error {
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	hs := []worker.Handler{
		&Outline{repo: d.Repo, gen: d.Gen},
		&ArticleContent{repo: d.Repo, gen: d.Gen},
		NewQuiz(queue.TypeArticleQuiz, d),
		NewQuiz(queue.TypeSectionQuiz, d),
		NewQuiz(queue.TypeFinalExam, d),
		&SendEmail{mail: d.Mail},
		&Sitemap{repo: d.Repo, path: d.SitemapPath, baseURL: d.SiteBaseURL},
	}
	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// gone turns a vanished entity into a failure that is not retried.
func gone(err error) error {
	if apperr.IsNotFound(err) {
		return apperr.Fatal(err)
	}
	return err
}

// markError flips a unit to error once its job is out of attempts.
func markError(ctx context.Context, repo *content.Repo, u content.Unit, id *uint64, reason string) error {
	if id == nil {
		return nil
	}
	err := repo.UpdateGenerationStatus(ctx, u, *id, content.StatusError, &reason)
	if apperr.IsNotFound(err) {
		return nil
	}
	return err
}

func courseContext(c *content.Course) ai.Context {
	return ai.Context{CourseTitle: c.Title, Description: c.Description, Level: c.Level}
}

func resultJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeJSON parses the provider's JSON reply. Malformed output is permanent.
func decodeJSON(raw string, v any) error {
	if err := json.Unmarshal([]byte(ai.ExtractJSON(raw)), v); err != nil {
		return apperr.Permanent(err)
	}
	return nil
}

// clip keeps at most n runes of s.
func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
