package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Name identifies one of the fixed generation queues.
type Name string

const (
	CourseStructure Name = "course-structure"
	Quiz            Name = "quiz"
	Email           Name = "email"
	Sitemap         Name = "sitemap"
)

// Names lists every queue in a stable order.
func Names() []Name {
	return []Name{CourseStructure, Quiz, Email, Sitemap}
}

func (n Name) Valid() bool {
	switch n {
	case CourseStructure, Quiz, Email, Sitemap:
		return true
	}
	return false
}

func ParseName(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", invalidQueue(n)
	}
	return n, nil
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"

	// StateAll is only meaningful as a filter for ListByState and PurgeByState.
	StateAll State = "all"
)

func States() []State {
	return []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}
}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState accepts any lifecycle state, "all", or "" (meaning all).
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case "", StateAll:
		return StateAll, nil
	case StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// Job types handled by the stage workers.
const (
	TypeOutline        = "outline"
	TypeArticleContent = "article_content"
	TypeSectionQuiz    = "section_quiz"
	TypeArticleQuiz    = "article_quiz"
	TypeFinalExam      = "final_exam"
	TypeSendEmail      = "send_email"
	TypeRebuildSitemap = "rebuild_sitemap"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrLeaseLost    = errors.New("job lease lost")
	ErrInvalidQueue = errors.New("invalid queue")
)

// Job is a unit of queued work.
type Job struct {
	ID        string `gorm:"primaryKey;size:26" json:"id"`
	QueueName Name   `gorm:"type:varchar(32);not null;index:idx_generation_jobs_lease,priority:1" json:"queue"`
	JobType   string `gorm:"type:varchar(32);not null;index" json:"job_type"`
	State     State  `gorm:"type:varchar(16);not null;index:idx_generation_jobs_lease,priority:2" json:"state"`
	Priority  int    `gorm:"not null" json:"priority"`

	Payload datatypes.JSON `json:"payload"`

	AttemptCount  int   `gorm:"not null" json:"attempt_count"`
	MaxAttempts   int   `gorm:"not null" json:"max_attempts"`
	BackoffBaseMs int64 `gorm:"not null" json:"backoff_base_ms"`

	// Earliest time the job may be leased, UnixMilli.
	RunAfterMs int64 `gorm:"not null;index:idx_generation_jobs_lease,priority:3" json:"run_after_ms"`

	LeaseToken     *string `gorm:"size:36" json:"-"`
	LeaseExpiresMs int64   `json:"lease_expires_ms,omitempty"`

	LastError *string `gorm:"type:text" json:"last_error,omitempty"`
	Result    *string `gorm:"type:text" json:"result,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (Job) TableName() string { return "generation_jobs" }

func (j *Job) DecodePayload() (Payload, error) {
	var p Payload
	if len(j.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return p, nil
}

func (j *Job) RunAfter() time.Time { return time.UnixMilli(j.RunAfterMs) }

func (j *Job) backoffBase() time.Duration {
	return time.Duration(j.BackoffBaseMs) * time.Millisecond
}

func (j *Job) holds(token string) bool {
	return j.State == StateActive && j.LeaseToken != nil && *j.LeaseToken == token
}

// Payload carries enough to re-derive context without re-querying unrelated
// state. Context is a denormalized snapshot taken at enqueue time and is only
// trusted for prompt framing.
type Payload struct {
	CourseID  uint64        `json:"course_id,omitempty"`
	SectionID *uint64       `json:"section_id,omitempty"`
	ArticleID *uint64       `json:"article_id,omitempty"`
	QuizID    *uint64       `json:"quiz_id,omitempty"`
	Context   Snapshot      `json:"context"`
	Email     *EmailMessage `json:"email,omitempty"`
}

type Snapshot struct {
	CourseTitle  string `json:"course_title,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	ArticleTitle string `json:"article_title,omitempty"`
	Description  string `json:"description,omitempty"`
	Level        string `json:"level,omitempty"`
}

type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Record is the terminal record of a job. It outlives the job row so status
// stays queryable after the queue has been purged.
type Record struct {
	JobID      string    `gorm:"primaryKey;size:26" json:"job_id"`
	QueueName  Name      `gorm:"type:varchar(32);not null" json:"queue"`
	JobType    string    `gorm:"type:varchar(32);not null" json:"job_type"`
	State      State     `gorm:"type:varchar(16);not null" json:"state"`
	Attempts   int       `gorm:"not null" json:"attempts"`
	Result     *string   `gorm:"type:text" json:"result,omitempty"`
	Error      *string   `gorm:"type:text" json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (Record) TableName() string { return "generation_job_records" }

func recordOf(j *Job, at time.Time) *Record {
	return &Record{
		JobID:      j.ID,
		QueueName:  j.QueueName,
		JobType:    j.JobType,
		State:      j.State,
		Attempts:   j.AttemptCount,
		Result:     j.Result,
		Error:      j.LastError,
		FinishedAt: at,
	}
}

// Outcome reports what Fail did with a job.
type Outcome struct {
	State    State
	Attempt  int
	Delay    time.Duration
	RunAfter time.Time
}
