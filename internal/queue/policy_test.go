package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		base    time.Duration
		attempt int
		ceiling time.Duration
		want    time.Duration
	}{
		{2 * time.Second, 1, 0, 2 * time.Second},
		{2 * time.Second, 2, 0, 4 * time.Second},
		{2 * time.Second, 3, 0, 8 * time.Second},
		{5 * time.Second, 10, 30 * time.Minute, 30 * time.Minute},
		{time.Second, 200, 0, time.Second << 32},
		{0, 3, time.Minute, 0},
	}
	for _, c := range cases {
		if got := Backoff(c.base, c.attempt, c.ceiling); got != c.want {
			t.Fatalf("Backoff(%s, %d, %s) = %s, want %s", c.base, c.attempt, c.ceiling, got, c.want)
		}
	}
}

func TestNextState(t *testing.T) {
	p := Policy{Attempts: 3, BackoffDelay: time.Second, RateLimitRetry: 45 * time.Second, MaxBackoff: time.Minute}

	if st, d := nextState(1, 3, time.Second, p, errors.New("boom")); st != StateDelayed || d != time.Second {
		t.Fatalf("unexpected %s %s", st, d)
	}
	if st, d := nextState(2, 3, time.Second, p, apperr.RateLimited(errors.New("429"))); st != StateDelayed || d != 45*time.Second {
		t.Fatalf("rate limit: unexpected %s %s", st, d)
	}
	if st, _ := nextState(3, 3, time.Second, p, errors.New("boom")); st != StateFailed {
		t.Fatalf("expected exhausted job to fail, got %s", st)
	}
	if st, _ := nextState(1, 3, time.Second, p, apperr.Fatal(errors.New("bad"))); st != StateFailed {
		t.Fatalf("expected no-retry failure, got %s", st)
	}
	// a plain permanent error still consumes the retry budget
	if st, _ := nextState(1, 3, time.Second, p, apperr.Permanent(errors.New("bad"))); st != StateDelayed {
		t.Fatalf("expected permanent-but-retryable to be delayed, got %s", st)
	}
}

func TestParseState(t *testing.T) {
	if st, err := ParseState(""); err != nil || st != StateAll {
		t.Fatalf("empty state: %s %v", st, err)
	}
	if st, err := ParseState("failed"); err != nil || st != StateFailed {
		t.Fatalf("failed: %s %v", st, err)
	}
	if _, err := ParseState("paused"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
