package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/logger"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	ready []time.Duration
	dead  []string
}

func (n *recordingNotifier) JobReady(_ context.Context, _ Name, _ string, delay time.Duration) error {
	n.mu.Lock()
	n.ready = append(n.ready, delay)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) JobDead(_ context.Context, _ Name, id string) error {
	n.mu.Lock()
	n.dead = append(n.dead, id)
	n.mu.Unlock()
	return nil
}

var testPolicies = StaticPolicies{
	CourseStructure: {Attempts: 3, BackoffDelay: 5 * time.Second, RateLimitRetry: time.Minute, MaxBackoff: 30 * time.Minute},
	Quiz:            {Attempts: 4, BackoffDelay: 2 * time.Second, RateLimitRetry: time.Minute, MaxBackoff: 10 * time.Minute},
	Email:           {Attempts: 1, BackoffDelay: 10 * time.Second, RateLimitRetry: 30 * time.Second, MaxBackoff: time.Hour},
	Sitemap:         {Attempts: 2, BackoffDelay: 30 * time.Second, RateLimitRetry: time.Minute, MaxBackoff: 10 * time.Minute},
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type harness struct {
	q        Queue
	clock    *testClock
	notifier *recordingNotifier
}

// eachEngine runs fn against the gorm engine and the in-process engine.
func eachEngine(t *testing.T, fn func(t *testing.T, h harness)) {
	t.Run("gorm", func(t *testing.T) {
		clk := newTestClock()
		n := &recordingNotifier{}
		q := NewStore(openTestDB(t), testPolicies, WithClock(clk.Now), WithNotifier(n), WithLeaseTTL(time.Minute))
		fn(t, harness{q: q, clock: clk, notifier: n})
	})
	t.Run("memory", func(t *testing.T) {
		clk := newTestClock()
		n := &recordingNotifier{}
		q := NewMemory(testPolicies, WithClock(clk.Now), WithNotifier(n), WithLeaseTTL(time.Minute))
		fn(t, harness{q: q, clock: clk, notifier: n})
	})
}

func mustEnqueue(t *testing.T, q Queue, name Name, jobType string, opts ...EnqueueOption) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), name, jobType, Payload{CourseID: 1}, opts...)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func mustLease(t *testing.T, q Queue, name Name) *Job {
	t.Helper()
	j, err := q.Lease(context.Background(), name)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if j == nil {
		t.Fatalf("expected a job to lease on %s", name)
	}
	return j
}

func TestEnqueue_InvalidQueue(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		_, err := h.q.Enqueue(context.Background(), Name("videos"), TypeOutline, Payload{})
		if err == nil {
			t.Fatalf("expected error for unknown queue")
		}
		if !apperr.IsValidation(err) || !errors.Is(err, ErrInvalidQueue) {
			t.Fatalf("expected invalid queue validation error, got %v", err)
		}
		if apperr.Field(err) != "queue" {
			t.Fatalf("expected field queue, got %q", apperr.Field(err))
		}
	})
}

func TestEnqueue_SnapshotsPolicy(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		id := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		j, err := h.q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.State != StateWaiting || j.MaxAttempts != 4 || j.BackoffBaseMs != 2000 {
			t.Fatalf("unexpected job %+v", j)
		}
		p, err := j.DecodePayload()
		if err != nil || p.CourseID != 1 {
			t.Fatalf("unexpected payload %+v err=%v", p, err)
		}
	})
}

func TestLease_EmptyQueue(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		j, err := h.q.Lease(context.Background(), Quiz)
		if err != nil || j != nil {
			t.Fatalf("expected nothing to lease, got %+v err=%v", j, err)
		}
	})
}

func TestLease_PriorityThenAge(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		first := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		h.clock.Advance(time.Millisecond)
		second := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		urgent := mustEnqueue(t, h.q, Quiz, TypeFinalExam, WithPriority(10))

		for _, want := range []string{urgent, first, second} {
			j := mustLease(t, h.q, Quiz)
			if j.ID != want {
				t.Fatalf("expected %s, leased %s", want, j.ID)
			}
			if j.State != StateActive || j.LeaseToken == nil {
				t.Fatalf("leased job not active: %+v", j)
			}
		}
	})
}

func TestLease_DelayedNotEligibleUntilDue(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		id := mustEnqueue(t, h.q, Sitemap, TypeRebuildSitemap, WithDelay(10*time.Second))
		if st, _ := h.q.GetState(context.Background(), id); st != StateDelayed {
			t.Fatalf("expected delayed, got %s", st)
		}
		if j, _ := h.q.Lease(context.Background(), Sitemap); j != nil {
			t.Fatalf("leased a job before it was due")
		}
		h.clock.Advance(10 * time.Second)
		if j := mustLease(t, h.q, Sitemap); j.ID != id {
			t.Fatalf("unexpected job %s", j.ID)
		}
	})
}

func TestLease_Exclusive(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		for i := 0; i < 5; i++ {
			mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[string]int{}
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := h.q.Lease(context.Background(), Quiz)
					if err != nil || j == nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != 5 {
			t.Fatalf("expected 5 distinct leases, got %d", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s leased %d times", id, n)
			}
		}
	})
}

func TestComplete_WritesRecord(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		id := mustEnqueue(t, h.q, CourseStructure, TypeOutline)
		j := mustLease(t, h.q, CourseStructure)
		if err := h.q.Complete(context.Background(), id, *j.LeaseToken, `{"sections":3}`); err != nil {
			t.Fatalf("complete: %v", err)
		}
		got, err := h.q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != StateCompleted || got.Result == nil || *got.Result != `{"sections":3}` {
			t.Fatalf("unexpected job after complete: %+v", got)
		}
		if err := h.q.Complete(context.Background(), id, *j.LeaseToken, "again"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected lease lost on double complete, got %v", err)
		}

		if n, err := h.q.PurgeByState(context.Background(), CourseStructure, StateCompleted); err != nil || n != 1 {
			t.Fatalf("purge completed: n=%d err=%v", n, err)
		}
		if _, err := h.q.Get(context.Background(), id); !apperr.IsNotFound(err) {
			t.Fatalf("expected purged job to be gone, got %v", err)
		}
		rec, err := h.q.Record(context.Background(), id)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if rec.State != StateCompleted || rec.JobType != TypeOutline {
			t.Fatalf("unexpected record %+v", rec)
		}
	})
}

func TestFail_BackoffDoublesUntilExhausted(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, Quiz, TypeSectionQuiz)

		for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
			j := mustLease(t, h.q, Quiz)
			out, err := h.q.Fail(ctx, id, *j.LeaseToken, apperr.Transient(errors.New("provider 503")))
			if err != nil {
				t.Fatalf("fail #%d: %v", i+1, err)
			}
			if out.State != StateDelayed || out.Delay != want || out.Attempt != i+1 {
				t.Fatalf("fail #%d: unexpected outcome %+v", i+1, out)
			}
			if got, _ := h.q.Lease(ctx, Quiz); got != nil {
				t.Fatalf("fail #%d: job leasable before its backoff elapsed", i+1)
			}
			h.clock.Advance(want)
		}

		j := mustLease(t, h.q, Quiz)
		out, err := h.q.Fail(ctx, id, *j.LeaseToken, errors.New("still broken"))
		if err != nil {
			t.Fatalf("final fail: %v", err)
		}
		if out.State != StateFailed || out.Attempt != 4 {
			t.Fatalf("expected failed after 4 attempts, got %+v", out)
		}
		rec, err := h.q.Record(ctx, id)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if rec.State != StateFailed || rec.Attempts != 4 || rec.Error == nil || *rec.Error != "still broken" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if len(h.notifier.dead) != 1 || h.notifier.dead[0] != id {
			t.Fatalf("expected one dead notification, got %v", h.notifier.dead)
		}
	})
}

// Attempts counts tries, not retries: with three attempts the third failure
// is terminal and only two backoff delays are ever scheduled.
func TestFail_ThreeAttemptsMeansTwoRetries(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz, WithMaxAttempts(3))

		for i, want := range []time.Duration{2 * time.Second, 4 * time.Second} {
			j := mustLease(t, h.q, Quiz)
			out, err := h.q.Fail(ctx, id, *j.LeaseToken, apperr.Transient(errors.New("provider 503")))
			if err != nil {
				t.Fatalf("fail #%d: %v", i+1, err)
			}
			if out.State != StateDelayed || out.Delay != want || out.Attempt != i+1 {
				t.Fatalf("fail #%d: unexpected outcome %+v", i+1, out)
			}
			h.clock.Advance(want)
		}

		j := mustLease(t, h.q, Quiz)
		out, err := h.q.Fail(ctx, id, *j.LeaseToken, apperr.Transient(errors.New("provider 503")))
		if err != nil {
			t.Fatalf("third fail: %v", err)
		}
		if out.State != StateFailed || out.Attempt != 3 || out.Delay != 0 {
			t.Fatalf("expected failed on the third attempt, got %+v", out)
		}
		if st, _ := h.q.GetState(ctx, id); st != StateFailed {
			t.Fatalf("expected state failed, got %s", st)
		}
		if len(h.notifier.ready) != 3 {
			// enqueue plus two retries
			t.Fatalf("expected 3 ready notifications, got %v", h.notifier.ready)
		}
	})
}

type brokenNotifier struct{}

func (brokenNotifier) JobReady(context.Context, Name, string, time.Duration) error {
	return errors.New("broker down")
}

func (brokenNotifier) JobDead(context.Context, Name, string) error {
	return errors.New("broker down")
}

func TestMemory_LogsNotifierErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}
	clk := newTestClock()
	q := NewMemory(testPolicies, WithClock(clk.Now), WithNotifier(brokenNotifier{}), WithLogger(log))
	ctx := context.Background()

	id := mustEnqueue(t, q, Email, TypeSendEmail)
	j := mustLease(t, q, Email)
	out, err := q.Fail(ctx, id, *j.LeaseToken, errors.New("smtp down"))
	if err != nil || out.State != StateFailed {
		t.Fatalf("fail: %+v err=%v", out, err)
	}

	if n := logs.FilterMessage("ready notify failed").Len(); n != 1 {
		t.Fatalf("expected 1 ready notify warning, got %d", n)
	}
	if n := logs.FilterMessage("dead-letter notify failed").Len(); n != 1 {
		t.Fatalf("expected 1 dead-letter notify warning, got %d", n)
	}
}

func TestFail_RateLimitedUsesFlatDelay(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		for i := 0; i < 2; i++ {
			j := mustLease(t, h.q, Quiz)
			out, err := h.q.Fail(ctx, id, *j.LeaseToken, apperr.RateLimited(errors.New("429")))
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if out.State != StateDelayed || out.Delay != time.Minute {
				t.Fatalf("expected flat 1m cooldown, got %+v", out)
			}
			h.clock.Advance(time.Minute)
		}
	})
}

func TestFail_SingleAttemptGoesStraightToFailed(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		id := mustEnqueue(t, h.q, Email, TypeSendEmail)
		j := mustLease(t, h.q, Email)
		out, err := h.q.Fail(context.Background(), id, *j.LeaseToken, errors.New("smtp down"))
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if out.State != StateFailed {
			t.Fatalf("expected failed, got %+v", out)
		}
	})
}

func TestFail_NoRetryShortCircuits(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		id := mustEnqueue(t, h.q, Quiz, TypeFinalExam)
		j := mustLease(t, h.q, Quiz)
		out, err := h.q.Fail(context.Background(), id, *j.LeaseToken, apperr.Fatal(errors.New("bad request")))
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if out.State != StateFailed || out.Attempt != 1 {
			t.Fatalf("expected immediate failure, got %+v", out)
		}
	})
}

func TestPurgeActive_LeaseLost(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		j := mustLease(t, h.q, Quiz)

		n, err := h.q.PurgeByState(ctx, Quiz, StateActive)
		if err != nil || n != 1 {
			t.Fatalf("purge: n=%d err=%v", n, err)
		}
		if err := h.q.Touch(ctx, id, *j.LeaseToken); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("touch: expected lease lost, got %v", err)
		}
		if err := h.q.Complete(ctx, id, *j.LeaseToken, "x"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("complete: expected lease lost, got %v", err)
		}
		if _, err := h.q.Fail(ctx, id, *j.LeaseToken, errors.New("x")); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("fail: expected lease lost, got %v", err)
		}
	})
}

func TestCountsAndList(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		a := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		h.clock.Advance(time.Millisecond)
		mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		mustEnqueue(t, h.q, Email, TypeSendEmail)
		j := mustLease(t, h.q, Quiz)
		if j.ID != a {
			t.Fatalf("expected oldest job first")
		}

		counts, err := h.q.Counts(ctx, Quiz)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[StateWaiting] != 1 || counts[StateActive] != 1 || counts[StateFailed] != 0 {
			t.Fatalf("unexpected counts %v", counts)
		}
		if len(counts) != len(States()) {
			t.Fatalf("expected every state reported, got %v", counts)
		}

		all, err := h.q.ListByState(ctx, Quiz, StateAll, 0)
		if err != nil || len(all) != 2 {
			t.Fatalf("list all: %d err=%v", len(all), err)
		}
		active, err := h.q.ListByState(ctx, Quiz, StateActive, 10)
		if err != nil || len(active) != 1 || active[0].ID != a {
			t.Fatalf("list active: %+v err=%v", active, err)
		}
		if _, err := h.q.Counts(ctx, Name("nope")); !errors.Is(err, ErrInvalidQueue) {
			t.Fatalf("expected invalid queue, got %v", err)
		}
	})
}

func TestReapExpired(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, CourseStructure, TypeOutline)
		j := mustLease(t, h.q, CourseStructure)

		if r, err := h.q.ReapExpired(ctx, CourseStructure); err != nil || len(r) != 0 {
			t.Fatalf("reaped a live lease: %+v err=%v", r, err)
		}
		h.clock.Advance(2 * time.Minute)
		r, err := h.q.ReapExpired(ctx, CourseStructure)
		if err != nil || len(r) != 1 {
			t.Fatalf("reap: %+v err=%v", r, err)
		}
		if r[0].Job.ID != id || r[0].Outcome.State != StateDelayed {
			t.Fatalf("unexpected reap result %+v", r[0])
		}
		got, err := h.q.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != StateDelayed || got.AttemptCount != 1 {
			t.Fatalf("expected reaped job to be retried, got %+v", got)
		}
		if err := h.q.Complete(ctx, id, *j.LeaseToken, "late"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("late completion should lose the lease, got %v", err)
		}
	})
}

func TestTouch_ExtendsLease(t *testing.T) {
	eachEngine(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := mustEnqueue(t, h.q, Quiz, TypeArticleQuiz)
		j := mustLease(t, h.q, Quiz)
		h.clock.Advance(50 * time.Second)
		if err := h.q.Touch(ctx, id, *j.LeaseToken); err != nil {
			t.Fatalf("touch: %v", err)
		}
		h.clock.Advance(50 * time.Second)
		if r, _ := h.q.ReapExpired(ctx, Quiz); len(r) != 0 {
			t.Fatalf("heartbeat did not extend the lease")
		}
		if err := h.q.Touch(ctx, id, "someone-else"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("foreign token accepted: %v", err)
		}
	})
}
