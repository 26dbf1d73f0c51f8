package generation

import (
	"context"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/store/redisstore"
)

// Reported job states. waiting covers queue states waiting and delayed.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusNotFound  = "not_found"
)

// Where a status was resolved from.
const (
	SourceQueue  = "queue"
	SourceRecord = "record"
	SourceEntity = "entity"
)

type ProgressReader interface {
	GetProgress(ctx context.Context, jobID string) (*redisstore.Progress, error)
}

type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

type Status struct {
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	Queue    string    `json:"queue,omitempty"`
	JobType  string    `json:"job_type,omitempty"`
	Attempts int       `json:"attempts"`
	Progress *Progress `json:"progress,omitempty"`
	Error    *string   `json:"error,omitempty"`
	Result   *string   `json:"result,omitempty"`
	Source   string    `json:"source,omitempty"`
}

type Reporter struct {
	q        queue.Queue
	repo     *content.Repo
	progress ProgressReader
	log      *logger.Logger
}

// NewReporter builds a Reporter. progress may be nil.
func NewReporter(q queue.Queue, repo *content.Repo, progress ProgressReader, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reporter{q: q, repo: repo, progress: progress, log: log.With("component", "StatusReporter")}
}

// GetStatus resolves a job from the live queue, then from its terminal
// record, then from the entity it last targeted. Unknown ids report
// not_found rather than an error.
func (r *Reporter) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	j, err := r.q.Get(ctx, jobID)
	if err == nil {
		return r.fromJob(ctx, j), nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	rec, err := r.q.Record(ctx, jobID)
	if err == nil {
		return &Status{
			JobID:    jobID,
			Status:   string(rec.State),
			Queue:    string(rec.QueueName),
			JobType:  rec.JobType,
			Attempts: rec.Attempts,
			Error:    rec.Error,
			Result:   rec.Result,
			Source:   SourceRecord,
		}, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	if r.repo != nil {
		ref, err := r.repo.FindByJobID(ctx, jobID)
		switch {
		case err == nil:
			switch ref.Status {
			case content.StatusGenerated:
				return &Status{JobID: jobID, Status: StatusCompleted, Source: SourceEntity}, nil
			case content.StatusError:
				return &Status{JobID: jobID, Status: StatusFailed, Error: ref.Error, Source: SourceEntity}, nil
			}
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}
	return &Status{JobID: jobID, Status: StatusNotFound}, nil
}

func (r *Reporter) fromJob(ctx context.Context, j *queue.Job) *Status {
	st := &Status{
		JobID:    j.ID,
		Queue:    string(j.QueueName),
		JobType:  j.JobType,
		Attempts: j.AttemptCount,
		Source:   SourceQueue,
	}
	switch j.State {
	case queue.StateWaiting, queue.StateDelayed:
		st.Status = StatusWaiting
		st.Error = j.LastError
	case queue.StateActive:
		st.Status = StatusActive
		st.Progress = r.liveProgress(ctx, j.ID)
	case queue.StateCompleted:
		st.Status = StatusCompleted
		st.Result = j.Result
	case queue.StateFailed:
		st.Status = StatusFailed
		st.Error = j.LastError
	default:
		st.Status = string(j.State)
	}
	return st
}

func (r *Reporter) liveProgress(ctx context.Context, jobID string) *Progress {
	if r.progress == nil {
		return nil
	}
	p, err := r.progress.GetProgress(ctx, jobID)
	if err != nil {
		r.log.Warn("read progress failed", "job_id", jobID, "error", err)
		return nil
	}
	if p == nil {
		return nil
	}
	return &Progress{Stage: p.Stage, Percent: p.Percent}
}
