package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/coursegen/internal/logger"
)

var leasableStates = []State{StateWaiting, StateDelayed}

// Store is the SQL-backed queue. Lease uses SELECT ... FOR UPDATE SKIP LOCKED
// where the dialect supports it and always confirms the claim with a
// compare-and-set UPDATE, so a job is never active under two tokens.
type Store struct {
	db       *gorm.DB
	policies PolicySource
	notifier Notifier
	log      *logger.Logger
	leaseTTL time.Duration
	now      func() time.Time
}

type StoreOption func(*Store)

func WithNotifier(n Notifier) StoreOption {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(l *logger.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l.With("component", "JobQueue")
		}
	}
}

func WithLeaseTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *gorm.DB, policies PolicySource, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		policies: policies,
		notifier: nopNotifier{},
		log:      logger.NewNop(),
		leaseTTL: 5 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{}, &Record{})
}

func (s *Store) Enqueue(ctx context.Context, name Name, jobType string, payload Payload, opts ...EnqueueOption) (string, error) {
	job, err := buildJob(ctx, s.policies, s.now(), name, jobType, payload, opts)
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", err
	}
	s.notifyReady(ctx, job.QueueName, job.ID, time.Duration(job.RunAfterMs-job.CreatedAt.UnixMilli())*time.Millisecond)
	return job.ID, nil
}

func (s *Store) Lease(ctx context.Context, name Name) (*Job, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	now := s.now()
	var leased *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue_name = ? AND state IN ? AND run_after_ms <= ?", name, leasableStates, now.UnixMilli()).
			Order("priority DESC").
			Order("run_after_ms ASC").
			Order("id ASC").
			Limit(1).
			Take(&j).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		token := uuid.NewString()
		expires := now.Add(s.leaseTTL).UnixMilli()
		res := tx.Model(&Job{}).
			Where("id = ? AND state IN ?", j.ID, leasableStates).
			Updates(map[string]any{
				"state":            StateActive,
				"lease_token":      token,
				"lease_expires_ms": expires,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// another worker claimed it between the read and the update
			return nil
		}
		j.State = StateActive
		j.LeaseToken = &token
		j.LeaseExpiresMs = expires
		j.UpdatedAt = now
		leased = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *Store) Touch(ctx context.Context, jobID, token string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ? AND lease_token = ?", jobID, StateActive, token).
		Updates(map[string]any{
			"lease_expires_ms": now.Add(s.leaseTTL).UnixMilli(),
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, jobID, token, result string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where("id = ? AND state = ? AND lease_token = ?", jobID, StateActive, token).
			Updates(map[string]any{
				"state":       StateCompleted,
				"result":      result,
				"lease_token": nil,
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		var j Job
		if err := tx.Where("id = ?", jobID).Take(&j).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(recordOf(&j, now)).Error
	})
}

func (s *Store) Fail(ctx context.Context, jobID, token string, cause error) (Outcome, error) {
	var j Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).Take(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, ErrLeaseLost
	}
	if err != nil {
		return Outcome{}, err
	}
	if !j.holds(token) {
		return Outcome{}, ErrLeaseLost
	}
	// read outside the transaction; the policy source may use its own
	// connection
	policy, err := s.policies.Policy(ctx, j.QueueName)
	if err != nil {
		return Outcome{}, err
	}

	now := s.now()
	attempt := j.AttemptCount + 1
	next, delay := nextState(attempt, j.MaxAttempts, j.backoffBase(), policy, cause)
	reason := failureReason(cause)

	updates := map[string]any{
		"state":         next,
		"attempt_count": attempt,
		"last_error":    reason,
		"lease_token":   nil,
		"updated_at":    now,
	}
	out := Outcome{State: next, Attempt: attempt, Delay: delay}
	if next == StateDelayed {
		out.RunAfter = now.Add(delay)
		updates["run_after_ms"] = out.RunAfter.UnixMilli()
	} else {
		updates["finished_at"] = now
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where("id = ? AND state = ? AND lease_token = ? AND attempt_count = ?", jobID, StateActive, token, j.AttemptCount).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		if next != StateFailed {
			return nil
		}
		j.State = StateFailed
		j.AttemptCount = attempt
		j.LastError = &reason
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(recordOf(&j, now)).Error
	})
	if err != nil {
		return Outcome{}, err
	}

	if next == StateDelayed {
		s.notifyReady(ctx, j.QueueName, jobID, delay)
	} else if err := s.notifier.JobDead(ctx, j.QueueName, jobID); err != nil {
		s.log.Warn("dead-letter notify failed", "job_id", jobID, "queue", j.QueueName, "error", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).Take(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) GetState(ctx context.Context, jobID string) (State, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

func (s *Store) ListByState(ctx context.Context, name Name, state State, limit int) ([]Job, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	q := s.db.WithContext(ctx).Where("queue_name = ?", name)
	if state != StateAll && state != "" {
		q = q.Where("state = ?", state)
	}
	var out []Job
	if err := q.Order("created_at ASC").Order("id ASC").Limit(clampLimit(limit)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Counts(ctx context.Context, name Name) (map[State]int64, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	var rows []struct {
		State State
		N     int64
	}
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("state, count(*) AS n").
		Where("queue_name = ?", name).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int64, len(States()))
	for _, st := range States() {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

func (s *Store) PurgeByState(ctx context.Context, name Name, state State) (int64, error) {
	if !name.Valid() {
		return 0, invalidQueue(name)
	}
	q := s.db.WithContext(ctx).Where("queue_name = ?", name)
	if state != StateAll && state != "" {
		q = q.Where("state = ?", state)
	}
	res := q.Delete(&Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("purged jobs", "queue", name, "state", state, "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (s *Store) Record(ctx context.Context, jobID string) (*Record, error) {
	var r Record
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReapExpired fails active jobs whose lease ran out, typically because the
// worker holding them died.
func (s *Store) ReapExpired(ctx context.Context, name Name) ([]Reaped, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	var stuck []Job
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND state = ? AND lease_expires_ms < ?", name, StateActive, s.now().UnixMilli()).
		Limit(reapBatch).
		Find(&stuck).Error
	if err != nil {
		return nil, err
	}
	var reaped []Reaped
	for i := range stuck {
		j := stuck[i]
		if j.LeaseToken == nil {
			continue
		}
		out, err := s.Fail(ctx, j.ID, *j.LeaseToken, errLeaseExpired)
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			s.log.Warn("reap stuck job failed", "job_id", j.ID, "error", err)
			continue
		}
		s.log.Info("reaped stuck job", "job_id", j.ID, "queue", name, "state", out.State)
		reaped = append(reaped, Reaped{Job: j, Outcome: out})
	}
	return reaped, nil
}

func (s *Store) notifyReady(ctx context.Context, name Name, jobID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if err := s.notifier.JobReady(ctx, name, jobID, delay); err != nil {
		s.log.Warn("ready notify failed", "job_id", jobID, "queue", name, "error", err)
	}
}
