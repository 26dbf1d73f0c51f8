// Package queue is a durable, named work queue with exclusive leases,
// retry with backoff and terminal records.
//
// Two engines implement Queue: Store keeps jobs in a SQL table through gorm,
// Memory keeps them in process. Both follow the same lifecycle:
//
//	waiting -> active -> completed
//	                  -> delayed -> active (retry)
//	                  -> failed
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/common"
)

type Queue interface {
	Enqueue(ctx context.Context, name Name, jobType string, payload Payload, opts ...EnqueueOption) (string, error)
	// Lease returns nil, nil when no job is eligible.
	Lease(ctx context.Context, name Name) (*Job, error)
	Touch(ctx context.Context, jobID, token string) error
	Complete(ctx context.Context, jobID, token, result string) error
	Fail(ctx context.Context, jobID, token string, cause error) (Outcome, error)

	Get(ctx context.Context, jobID string) (*Job, error)
	GetState(ctx context.Context, jobID string) (State, error)
	ListByState(ctx context.Context, name Name, state State, limit int) ([]Job, error)
	Counts(ctx context.Context, name Name) (map[State]int64, error)
	PurgeByState(ctx context.Context, name Name, state State) (int64, error)
	Record(ctx context.Context, jobID string) (*Record, error)
	ReapExpired(ctx context.Context, name Name) ([]Reaped, error)
}

// Reaped is a job whose lease expired and was failed by ReapExpired. Job is
// the row as it was before the failure was recorded.
type Reaped struct {
	Job     Job
	Outcome Outcome
}

var errLeaseExpired = apperr.Transient(errors.New("lease expired"))

// Notifier is told about jobs becoming ready or dead after the state change
// is committed. It is a wake-up signal only; workers still poll.
type Notifier interface {
	JobReady(ctx context.Context, name Name, jobID string, delay time.Duration) error
	JobDead(ctx context.Context, name Name, jobID string) error
}

type nopNotifier struct{}

func (nopNotifier) JobReady(context.Context, Name, string, time.Duration) error { return nil }
func (nopNotifier) JobDead(context.Context, Name, string) error                 { return nil }

type enqueueOptions struct {
	priority    int
	delay       time.Duration
	maxAttempts int
	backoff     time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithPriority orders the job ahead of lower priorities. Default 0.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay enqueues the job as delayed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue's configured attempts for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithBackoff overrides the queue's configured backoff base for this job.
func WithBackoff(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.backoff = d }
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	reapBatch        = 100
)

func invalidQueue(name Name) error {
	return &apperr.Error{
		Kind:  apperr.KindValidation,
		Field: "queue",
		Err:   fmt.Errorf("%w: %q", ErrInvalidQueue, string(name)),
	}
}

func jobNotFound(id string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Err: fmt.Errorf("%w: %s", ErrNotFound, id)}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// buildJob validates the request and snapshots the queue policy onto a new
// job row.
func buildJob(ctx context.Context, policies PolicySource, now time.Time, name Name, jobType string, payload Payload, opts []EnqueueOption) (*Job, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	if jobType == "" {
		return nil, apperr.Validation("job_type", "job type is required")
	}
	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 0 {
		return nil, apperr.Validation("max_attempts", "must be a positive integer")
	}
	if o.maxAttempts == 0 || o.backoff <= 0 {
		p, err := policies.Policy(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load policy for %s: %w", name, err)
		}
		if o.maxAttempts == 0 {
			o.maxAttempts = p.Attempts
		}
		if o.backoff <= 0 {
			o.backoff = p.BackoffDelay
		}
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	state := StateWaiting
	if o.delay > 0 {
		state = StateDelayed
	}
	return &Job{
		ID:            id,
		QueueName:     name,
		JobType:       jobType,
		State:         state,
		Priority:      o.priority,
		Payload:       datatypes.JSON(body),
		MaxAttempts:   o.maxAttempts,
		BackoffBaseMs: o.backoff.Milliseconds(),
		RunAfterMs:    now.Add(o.delay).UnixMilli(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func failureReason(cause error) string {
	if cause == nil {
		return "unknown failure"
	}
	return cause.Error()
}

func strPtr(s string) *string { return &s }
