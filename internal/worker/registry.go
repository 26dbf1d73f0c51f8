// Package worker runs queued generation jobs: a registry of handlers keyed
// by job type and a pool that leases, runs and settles jobs for one queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/coursegen/internal/queue"
)

// Handler runs one job type. The returned string is stored as the job result.
type Handler interface {
	Type() string
	Run(c *Context) (string, error)
}

// ExhaustedHandler is implemented by handlers that need to react when a job
// of their type reaches failed, e.g. to mark the owning unit as errored.
type ExhaustedHandler interface {
	OnExhausted(ctx context.Context, job *queue.Job, reason string) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	t := strings.TrimSpace(h.Type())
	if t == "" {
		return errors.New("handler type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for type %q", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister panics on a registration error. Wiring code only.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
