package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/coursegen/internal/logger"
)

// Memory is an in-process Queue with the same semantics as Store. It backs
// tests and single-binary dev runs.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	records  map[string]*Record
	policies PolicySource
	notifier Notifier
	log      *logger.Logger
	leaseTTL time.Duration
	now      func() time.Time
}

func NewMemory(policies PolicySource, opts ...StoreOption) *Memory {
	// reuse the Store options so both engines are configured the same way
	s := NewStore(nil, policies, opts...)
	return &Memory{
		jobs:     make(map[string]*Job),
		records:  make(map[string]*Record),
		policies: policies,
		notifier: s.notifier,
		log:      s.log,
		leaseTTL: s.leaseTTL,
		now:      s.now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, name Name, jobType string, payload Payload, opts ...EnqueueOption) (string, error) {
	now := m.now()
	job, err := buildJob(ctx, m.policies, now, name, jobType, payload, opts)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.notifyReady(ctx, name, job.ID, time.Duration(job.RunAfterMs-now.UnixMilli())*time.Millisecond)
	return job.ID, nil
}

func (m *Memory) Lease(_ context.Context, name Name) (*Job, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Job
	for _, j := range m.jobs {
		if j.QueueName != name || (j.State != StateWaiting && j.State != StateDelayed) {
			continue
		}
		if j.RunAfterMs > now.UnixMilli() {
			continue
		}
		if best == nil || leaseBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	token := uuid.NewString()
	best.State = StateActive
	best.LeaseToken = &token
	best.LeaseExpiresMs = now.Add(m.leaseTTL).UnixMilli()
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func leaseBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RunAfterMs != b.RunAfterMs {
		return a.RunAfterMs < b.RunAfterMs
	}
	return a.ID < b.ID
}

func (m *Memory) Touch(_ context.Context, jobID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !j.holds(token) {
		return ErrLeaseLost
	}
	now := m.now()
	j.LeaseExpiresMs = now.Add(m.leaseTTL).UnixMilli()
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Complete(_ context.Context, jobID, token, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !j.holds(token) {
		return ErrLeaseLost
	}
	now := m.now()
	j.State = StateCompleted
	j.Result = strPtr(result)
	j.LeaseToken = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	m.records[j.ID] = recordOf(j, now)
	return nil
}

func (m *Memory) Fail(ctx context.Context, jobID, token string, cause error) (Outcome, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || !j.holds(token) {
		m.mu.Unlock()
		return Outcome{}, ErrLeaseLost
	}
	name := j.QueueName
	m.mu.Unlock()

	policy, err := m.policies.Policy(ctx, name)
	if err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	// the lease may have been purged while the policy was read
	j, ok = m.jobs[jobID]
	if !ok || !j.holds(token) {
		m.mu.Unlock()
		return Outcome{}, ErrLeaseLost
	}
	now := m.now()
	attempt := j.AttemptCount + 1
	next, delay := nextState(attempt, j.MaxAttempts, j.backoffBase(), policy, cause)
	reason := failureReason(cause)

	j.State = next
	j.AttemptCount = attempt
	j.LastError = strPtr(reason)
	j.LeaseToken = nil
	j.UpdatedAt = now
	out := Outcome{State: next, Attempt: attempt, Delay: delay}
	if next == StateDelayed {
		out.RunAfter = now.Add(delay)
		j.RunAfterMs = out.RunAfter.UnixMilli()
	} else {
		j.FinishedAt = &now
		m.records[j.ID] = recordOf(j, now)
	}
	m.mu.Unlock()

	if next == StateDelayed {
		m.notifyReady(ctx, name, jobID, delay)
	} else if err := m.notifier.JobDead(ctx, name, jobID); err != nil {
		m.log.Warn("dead-letter notify failed", "job_id", jobID, "queue", name, "error", err)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) GetState(ctx context.Context, jobID string) (State, error) {
	j, err := m.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

func (m *Memory) ListByState(_ context.Context, name Name, state State, limit int) ([]Job, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	m.mu.Lock()
	out := make([]Job, 0)
	for _, j := range m.jobs {
		if j.QueueName != name {
			continue
		}
		if state != StateAll && state != "" && j.State != state {
			continue
		}
		out = append(out, *j)
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Counts(_ context.Context, name Name) (map[State]int64, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	counts := make(map[State]int64, len(States()))
	for _, st := range States() {
		counts[st] = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.QueueName == name {
			counts[j.State]++
		}
	}
	return counts, nil
}

func (m *Memory) PurgeByState(_ context.Context, name Name, state State) (int64, error) {
	if !name.Valid() {
		return 0, invalidQueue(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.QueueName != name {
			continue
		}
		if state != StateAll && state != "" && j.State != state {
			continue
		}
		delete(m.jobs, id)
		n++
	}
	return n, nil
}

func (m *Memory) Record(_ context.Context, jobID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ReapExpired(ctx context.Context, name Name) ([]Reaped, error) {
	if !name.Valid() {
		return nil, invalidQueue(name)
	}
	now := m.now().UnixMilli()
	var stuck []Job
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.QueueName == name && j.State == StateActive && j.LeaseToken != nil && j.LeaseExpiresMs < now {
			stuck = append(stuck, *j)
		}
	}
	m.mu.Unlock()

	var reaped []Reaped
	for _, j := range stuck {
		out, err := m.Fail(ctx, j.ID, *j.LeaseToken, errLeaseExpired)
		if err == nil {
			reaped = append(reaped, Reaped{Job: j, Outcome: out})
		}
	}
	return reaped, nil
}

func (m *Memory) notifyReady(ctx context.Context, name Name, jobID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if err := m.notifier.JobReady(ctx, name, jobID, delay); err != nil {
		m.log.Warn("ready notify failed", "job_id", jobID, "queue", name, "error", err)
	}
}

var (
	_ Queue = (*Store)(nil)
	_ Queue = (*Memory)(nil)
)
