package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat-completion backend. Errors are classified with apperr
// kinds so the queue can choose the retry strategy.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// statusError classifies a non-2xx response.
// 429 is rate limiting, 408 and 5xx are transient, any other 4xx is permanent.
func statusError(provider string, status int, body string, header http.Header) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	err := fmt.Errorf("%s: %s", provider, msg)
	switch {
	case status == http.StatusTooManyRequests:
		e := apperr.RateLimited(err)
		e.RetryAfter = retryAfter(header)
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return apperr.Transient(err)
	default:
		return apperr.Permanent(err)
	}
}

// transportError classifies a failure to get a response at all.
func transportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	// the caller gave up; not a provider failure
	if errors.Is(err, context.Canceled) {
		return err
	}
	// timeouts, refused connections, resets
	return apperr.Transient(fmt.Errorf("%s: %w", provider, err))
}

// decodeError marks an unparseable success response. Retrying the same
// request rarely fixes it, but it still spends the retry budget.
func decodeError(provider string, err error) error {
	return apperr.Permanent(fmt.Errorf("%s: decode response: %w", provider, err))
}

func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
