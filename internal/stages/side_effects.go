package stages

import (
	"errors"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/email"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/sitemap"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

type SendEmail struct {
	mail email.Sender
}

func (h *SendEmail) Type() string { return queue.TypeSendEmail }

func (h *SendEmail) Run(c *worker.Context) (string, error) {
	m := c.Payload.Email
	if m == nil {
		return "", apperr.Fatal(errors.New("send_email job without message"))
	}
	if h.mail == nil {
		return "", apperr.Fatal(errors.New("no mail sender configured"))
	}
	if err := h.mail.Send(c.Ctx(), m.To, m.Subject, m.Body); err != nil {
		return "", err
	}
	return resultJSON(map[string]string{"to": m.To}), nil
}

// Sitemap rewrites the sitemap file from published courses and articles.
type Sitemap struct {
	repo    *content.Repo
	path    string
	baseURL string
}

func (h *Sitemap) Type() string { return queue.TypeRebuildSitemap }

func (h *Sitemap) Run(c *worker.Context) (string, error) {
	ctx := c.Ctx()
	entries, err := h.repo.ListPublished(ctx)
	if err != nil {
		return "", err
	}
	data, err := sitemap.Build(h.baseURL, entries)
	if err != nil {
		return "", apperr.Fatal(err)
	}
	if err := c.Guard(ctx); err != nil {
		return "", err
	}
	if err := sitemap.WriteFile(h.path, data); err != nil {
		return "", err
	}
	c.Log.Info("sitemap written", "path", h.path, "urls", len(entries))
	return resultJSON(map[string]any{"path": h.path, "urls": len(entries)}), nil
}
