package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

// Outline generates a course's sections and article titles.
type Outline struct {
	repo *content.Repo
	gen  *ai.Generator
}

func (h *Outline) Type() string { return queue.TypeOutline }

type outlineReply struct {
	Sections []content.OutlineSection `json:"sections"`
}

func (h *Outline) Run(c *worker.Context) (string, error) {
	ctx := c.Ctx()
	course, err := h.repo.GetCourse(ctx, c.Payload.CourseID)
	if err != nil {
		return "", gone(err)
	}

	c.Progress("generating", 10)
	raw, err := h.gen.Generate(ctx, ai.KindOutline, courseContext(course))
	if err != nil {
		return "", err
	}

	var reply outlineReply
	if err := decodeJSON(raw, &reply); err != nil {
		return "", fmt.Errorf("outline: %w", err)
	}
	sections := make([]content.OutlineSection, 0, len(reply.Sections))
	articles := 0
	for _, s := range reply.Sections {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			continue
		}
		titles := s.Articles[:0]
		for _, a := range s.Articles {
			if a = strings.TrimSpace(a); a != "" {
				titles = append(titles, a)
			}
		}
		s.Articles = titles
		articles += len(titles)
		sections = append(sections, s)
	}
	if len(sections) == 0 {
		return "", apperr.Permanent(errors.New("outline has no sections"))
	}

	c.Progress("saving", 90)
	if err := c.Guard(ctx); err != nil {
		return "", err
	}
	if _, err := h.repo.ReplaceOutline(ctx, course.ID, sections); err != nil {
		return "", err
	}
	c.Log.Info("outline saved", "course_id", course.ID, "sections", len(sections), "articles", articles)
	return resultJSON(map[string]int{"sections": len(sections), "articles": articles}), nil
}

func (h *Outline) OnExhausted(ctx context.Context, job *queue.Job, reason string) error {
	p, err := job.DecodePayload()
	if err != nil {
		return err
	}
	return markError(ctx, h.repo, content.UnitCourse, &p.CourseID, reason)
}

// ArticleContent writes one article's body.
type ArticleContent struct {
	repo *content.Repo
	gen  *ai.Generator
}

func (h *ArticleContent) Type() string { return queue.TypeArticleContent }

// expectedArticleLen is the body length treated as 100% when streaming.
const expectedArticleLen = 6000

func (h *ArticleContent) Run(c *worker.Context) (string, error) {
	ctx := c.Ctx()
	if c.Payload.ArticleID == nil {
		return "", apperr.Fatal(errors.New("article_content job without article_id"))
	}
	a, err := h.repo.GetArticle(ctx, *c.Payload.ArticleID)
	if err != nil {
		return "", gone(err)
	}
	if a.IsContentGenerated {
		return resultJSON(map[string]any{"article_id": a.ID, "skipped": true}), nil
	}
	course, err := h.repo.GetCourse(ctx, a.CourseID)
	if err != nil {
		return "", gone(err)
	}
	sec, err := h.repo.GetSection(ctx, a.SectionID)
	if err != nil {
		return "", gone(err)
	}

	in := courseContext(course)
	in.SectionTitle, in.ArticleTitle = sec.Title, a.Title

	c.Progress("generating", 5)
	last := 5
	body, err := h.gen.Stream(ctx, ai.KindArticle, in, func(total int) {
		pct := 5 + total*85/expectedArticleLen
		if pct > 90 {
			pct = 90
		}
		if pct >= last+5 {
			last = pct
			c.Progress("generating", pct)
		}
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		return "", apperr.Permanent(errors.New("empty article body"))
	}

	c.Progress("saving", 95)
	if err := c.Guard(ctx); err != nil {
		return "", err
	}
	if err := h.repo.SaveArticleContent(ctx, a.ID, body); err != nil {
		return "", err
	}
	return resultJSON(map[string]any{"article_id": a.ID, "length": len(body)}), nil
}

func (h *ArticleContent) OnExhausted(ctx context.Context, job *queue.Job, reason string) error {
	p, err := job.DecodePayload()
	if err != nil {
		return err
	}
	return markError(ctx, h.repo, content.UnitArticle, p.ArticleID, reason)
}
