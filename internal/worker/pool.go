package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
)

// CompletedFunc runs after a job has been marked completed. Errors are
// logged; the job stays completed.
type CompletedFunc func(ctx context.Context, job *queue.Job, result string) error

// Pool leases and runs jobs of one queue.
type Pool struct {
	name queue.Name
	q    queue.Queue
	reg  *Registry
	log  *logger.Logger

	progress    ProgressSink
	onCompleted []CompletedFunc
	wake        <-chan struct{}
	tracer      trace.Tracer

	concurrency int
	poll        time.Duration
	jobTimeout  time.Duration
	heartbeat   time.Duration
	reapEvery   time.Duration
	settleWait  time.Duration
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// WithJobTimeout bounds a single handler run. Expiry fails the job as
// transient.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithHeartbeat sets how often a running job's lease is extended. Keep it
// well under the queue's lease TTL.
func WithHeartbeat(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.reapEvery = d
		}
	}
}

// WithWake adds an external wake-up source next to the poll ticker.
func WithWake(ch <-chan struct{}) PoolOption {
	return func(p *Pool) { p.wake = ch }
}

func WithProgress(s ProgressSink) PoolOption {
	return func(p *Pool) {
		if s != nil {
			p.progress = s
		}
	}
}

func WithPoolLogger(l *logger.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

func WithOnCompleted(fn CompletedFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.onCompleted = append(p.onCompleted, fn)
		}
	}
}

func WithTracer(t trace.Tracer) PoolOption {
	return func(p *Pool) {
		if t != nil {
			p.tracer = t
		}
	}
}

func NewPool(name queue.Name, q queue.Queue, reg *Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		name:        name,
		q:           q,
		reg:         reg,
		log:         logger.NewNop(),
		progress:    nopProgress{},
		tracer:      otel.Tracer("github.com/suPer8Hu/coursegen/internal/worker"),
		concurrency: 1,
		poll:        time.Second,
		jobTimeout:  10 * time.Minute,
		heartbeat:   30 * time.Second,
		reapEvery:   30 * time.Second,
		settleWait:  10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "WorkerPool", "queue", string(name))
	return p
}

// Run blocks until ctx is done. In-flight jobs are settled before it returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("pool started", "concurrency", p.concurrency, "types", p.reg.Types())

	var wg sync.WaitGroup
	wg.Add(p.concurrency + 1)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(i)
	}
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()
	wg.Wait()

	p.log.Info("pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	log := p.log.With("worker", workerID)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	wake := p.wake

	for {
		// drain whatever is eligible, then wait
		for ctx.Err() == nil {
			processed, err := p.ProcessOne(ctx)
			if err != nil {
				log.Warn("lease failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job was
// leased.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.q.Lease(ctx, p.name)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.handle(ctx, job)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log := p.log.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.AttemptCount+1)

	ctx, span := p.tracer.Start(ctx, "job "+job.JobType, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", string(job.QueueName)),
		attribute.Int("job.attempt", job.AttemptCount+1),
	))
	defer span.End()

	h, ok := p.reg.Get(job.JobType)
	if !ok {
		p.fail(ctx, log, span, job, nil, apperr.Fatal(fmt.Errorf("no handler registered for job type %q", job.JobType)))
		return
	}
	payload, err := job.DecodePayload()
	if err != nil {
		p.fail(ctx, log, span, job, h, apperr.Fatal(err))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go p.keepAlive(runCtx, cancel, log, job, &lost, hbDone)

	c := &Context{
		ctx:      runCtx,
		Job:      job,
		Payload:  payload,
		Log:      log,
		q:        p.q,
		progress: p.progress,
	}
	result, runErr := p.run(h, c)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	<-hbDone

	switch {
	case lost.Load() || errors.Is(runErr, queue.ErrLeaseLost):
		log.Warn("lease lost, abandoning job", "cost", time.Since(start))
		span.SetStatus(codes.Error, "lease lost")
	case runErr == nil:
		p.complete(ctx, log, span, job, result, start)
	default:
		if timedOut && !classified(runErr) {
			runErr = apperr.Transient(fmt.Errorf("job timed out after %s: %w", p.jobTimeout, runErr))
		}
		p.fail(ctx, log, span, job, h, runErr)
	}
}

// keepAlive extends the lease until ctx ends. A lost lease cancels the run.
func (p *Pool) keepAlive(ctx context.Context, cancel context.CancelFunc, log *logger.Logger, job *queue.Job, lost *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(p.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.q.Touch(ctx, job.ID, *job.LeaseToken)
			if errors.Is(err, queue.ErrLeaseLost) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) run(h Handler, c *Context) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = apperr.Transient(&panicError{Val: r})
		}
	}()
	return h.Run(c)
}

// settleContext outlives a cancelled worker context so a job interrupted by
// shutdown is still recorded.
func (p *Pool) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.settleWait)
}

func (p *Pool) complete(ctx context.Context, log *logger.Logger, span trace.Span, job *queue.Job, result string, start time.Time) {
	sctx, cancel := p.settleContext(ctx)
	defer cancel()

	if err := p.q.Complete(sctx, job.ID, *job.LeaseToken, result); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before completion, result dropped")
			span.SetStatus(codes.Error, "lease lost")
			return
		}
		log.Error("complete failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if err := p.progress.ClearProgress(sctx, job.ID); err != nil {
		log.Debug("clear progress failed", "error", err)
	}
	log.Info("job completed", "cost", time.Since(start))
	span.SetStatus(codes.Ok, "")

	for _, fn := range p.onCompleted {
		if err := fn(sctx, job, result); err != nil {
			log.Error("completion hook failed", "error", err)
		}
	}
}

func (p *Pool) fail(ctx context.Context, log *logger.Logger, span trace.Span, job *queue.Job, h Handler, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	sctx, cancel := p.settleContext(ctx)
	defer cancel()

	out, err := p.q.Fail(sctx, job.ID, *job.LeaseToken, cause)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before failure was recorded", "error", cause)
			return
		}
		log.Error("fail failed", "error", err, "cause", cause)
		return
	}
	if err := p.progress.ClearProgress(sctx, job.ID); err != nil {
		log.Debug("clear progress failed", "error", err)
	}

	if out.State == queue.StateDelayed {
		log.Warn("job failed, retry scheduled", "kind", apperr.KindOf(cause), "retry_in", out.Delay, "error", cause)
		return
	}
	log.Error("job failed permanently", "kind", apperr.KindOf(cause), "attempts", out.Attempt, "error", cause)
	p.exhausted(sctx, log, h, job, cause.Error())
}

func (p *Pool) exhausted(ctx context.Context, log *logger.Logger, h Handler, job *queue.Job, reason string) {
	eh, ok := h.(ExhaustedHandler)
	if !ok {
		return
	}
	if err := eh.OnExhausted(ctx, job, reason); err != nil {
		log.Error("exhausted hook failed", "error", err)
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	t := time.NewTicker(p.reapEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("reap failed", "error", err)
			}
		}
	}
}

// ReapOnce fails jobs whose lease expired and runs exhausted hooks for the
// ones that ran out of attempts.
func (p *Pool) ReapOnce(ctx context.Context) (int, error) {
	reaped, err := p.q.ReapExpired(ctx, p.name)
	if err != nil {
		return 0, err
	}
	for i := range reaped {
		r := reaped[i]
		if r.Outcome.State != queue.StateFailed {
			continue
		}
		h, ok := p.reg.Get(r.Job.JobType)
		if !ok {
			continue
		}
		log := p.log.With("job_id", r.Job.ID, "job_type", r.Job.JobType)
		p.exhausted(ctx, log, h, &r.Job, "lease expired")
	}
	return len(reaped), nil
}

func classified(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
