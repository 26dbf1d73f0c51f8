package worker

import (
	"context"
	"time"

	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/store/redisstore"
)

// ProgressSink receives live progress for running jobs.
type ProgressSink interface {
	SetProgress(ctx context.Context, jobID string, p redisstore.Progress) error
	ClearProgress(ctx context.Context, jobID string) error
}

type nopProgress struct{}

func (nopProgress) SetProgress(context.Context, string, redisstore.Progress) error { return nil }
func (nopProgress) ClearProgress(context.Context, string) error                    { return nil }

// Context is handed to a Handler for one leased job.
type Context struct {
	ctx     context.Context
	Job     *queue.Job
	Payload queue.Payload
	Log     *logger.Logger

	q        queue.Queue
	progress ProgressSink
}

// Ctx is cancelled when the job times out, the lease is lost or the worker
// shuts down.
func (c *Context) Ctx() context.Context { return c.ctx }

// Guard checks the job still holds its lease and extends it. Handlers call it
// right before persisting results; queue.ErrLeaseLost means the job was
// purged or reaped and the handler must not write.
func (c *Context) Guard(ctx context.Context) error {
	return c.q.Touch(ctx, c.Job.ID, *c.Job.LeaseToken)
}

// Progress records a stage and percentage for status queries. Failures are
// logged only.
func (c *Context) Progress(stage string, pct int) {
	p := redisstore.Progress{Stage: stage, Percent: pct, UpdatedAt: time.Now().UnixMilli()}
	if err := c.progress.SetProgress(c.ctx, c.Job.ID, p); err != nil {
		c.Log.Warn("progress update failed", "stage", stage, "error", err)
	}
}
