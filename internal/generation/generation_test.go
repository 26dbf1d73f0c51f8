package generation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/store/redisstore"
)

var testPolicies = queue.StaticPolicies{
	queue.CourseStructure: {Attempts: 3, BackoffDelay: 5 * time.Second, RateLimitRetry: time.Minute},
	queue.Quiz:            {Attempts: 3, BackoffDelay: 2 * time.Second, RateLimitRetry: time.Minute},
	queue.Email:           {Attempts: 5, BackoffDelay: 10 * time.Second, RateLimitRetry: 30 * time.Second},
	queue.Sitemap:         {Attempts: 2, BackoffDelay: 30 * time.Second, RateLimitRetry: time.Minute},
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := content.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
}

func (p *fakeProvider) Chat(context.Context, []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reply, p.err
}

type fixture struct {
	repo *content.Repo
	q    *queue.Memory
	orch *Orchestrator
	llm  *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := content.NewRepo(openTestDB(t))
	q := queue.NewMemory(testPolicies)
	llm := &fakeProvider{reply: "# Article\n\nbody"}
	reg := ai.NewRegistry()
	reg.Register("fake", func(context.Context, string) (ai.Provider, error) { return llm, nil })
	gen := ai.NewGenerator(reg, "fake", "test-model", time.Second)
	return &fixture{repo: repo, q: q, orch: NewOrchestrator(repo, q, gen, nil), llm: llm}
}

func (f *fixture) course(t *testing.T, title string) *content.Course {
	t.Helper()
	c := &content.Course{Title: title, Level: "beginner"}
	if err := f.repo.CreateCourse(context.Background(), c); err != nil {
		t.Fatalf("create course: %v", err)
	}
	return c
}

func (f *fixture) section(t *testing.T, courseID uint64, pos int, title string) *content.Section {
	t.Helper()
	s := &content.Section{CourseID: courseID, Position: pos, Title: title}
	if err := f.repo.CreateSection(context.Background(), s); err != nil {
		t.Fatalf("create section: %v", err)
	}
	return s
}

func (f *fixture) article(t *testing.T, s *content.Section, pos int, title string, generated bool) *content.Article {
	t.Helper()
	a := &content.Article{CourseID: s.CourseID, SectionID: s.ID, Position: pos, Title: title}
	if generated {
		a.Content, a.IsContentGenerated = "content of "+title, true
	}
	if err := f.repo.CreateArticle(context.Background(), a); err != nil {
		t.Fatalf("create article: %v", err)
	}
	return a
}

func TestDecide(t *testing.T) {
	cases := []struct {
		in   DecisionInput
		want Action
	}{
		{DecisionInput{HasSource: false, Exists: false}, ActionSkip},
		{DecisionInput{HasSource: false, RegenerateOnly: true, Exists: true}, ActionSkip},
		{DecisionInput{HasSource: false, Force: true}, ActionSkip},
		{DecisionInput{HasSource: true, Exists: false}, ActionEnqueue},
		{DecisionInput{HasSource: true, Exists: true}, ActionSkip},
		{DecisionInput{HasSource: true, RegenerateOnly: true, Exists: true}, ActionEnqueue},
		{DecisionInput{HasSource: true, RegenerateOnly: true, Exists: false}, ActionSkip},
		{DecisionInput{HasSource: true, Force: true, Exists: true}, ActionEnqueue},
	}
	for i, tc := range cases {
		if got := Decide(tc.in); got != tc.want {
			t.Fatalf("case %d %+v: got %s want %s", i, tc.in, got, tc.want)
		}
	}
}

func TestEnqueueBulkQuizzes_IdempotentScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "C1")
	s := f.section(t, c.ID, 1, "S1")
	a := f.article(t, s, 1, "A1", true)

	res, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.JobsQueued != 3 || len(res.JobIDs) != 3 || len(res.Manifest) != 3 {
		t.Fatalf("expected 3 jobs, got %+v", res)
	}
	seen := map[string]bool{}
	for _, id := range res.JobIDs {
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true
	}
	wantTypes := []string{queue.TypeArticleQuiz, queue.TypeSectionQuiz, queue.TypeFinalExam}
	for i, m := range res.Manifest {
		if m.Type != wantTypes[i] {
			t.Fatalf("manifest[%d] type %s, want %s", i, m.Type, wantTypes[i])
		}
	}
	if m := res.Manifest[0]; m.ArticleID == nil || *m.ArticleID != a.ID || m.SectionID == nil || *m.SectionID != s.ID {
		t.Fatalf("article quiz manifest missing owners: %+v", m)
	}
	if m := res.Manifest[2]; m.SectionID != nil || m.ArticleID != nil {
		t.Fatalf("final exam manifest has owners: %+v", m)
	}

	counts, _ := f.q.Counts(ctx, queue.Quiz)
	if counts[queue.StateWaiting] != 3 {
		t.Fatalf("expected 3 waiting quiz jobs, got %v", counts)
	}
	quiz, err := f.repo.FindQuiz(ctx, c.ID, content.QuizArticle, nil, &a.ID)
	if err != nil {
		t.Fatalf("placeholder quiz: %v", err)
	}
	if quiz.GenerationStatus != content.StatusPending || quiz.LastJobID == nil || *quiz.LastJobID != res.JobIDs[0] {
		t.Fatalf("unexpected placeholder %+v", quiz)
	}

	again, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("bulk again: %v", err)
	}
	if again.JobsQueued != 0 || len(again.JobIDs) != 0 {
		t.Fatalf("expected nothing on re-run, got %+v", again)
	}
}

func TestEnqueueBulkQuizzes_RegenerateOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "C1")
	s := f.section(t, c.ID, 1, "S1")
	f.article(t, s, 1, "A1", true)

	res, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.JobsQueued != 0 {
		t.Fatalf("regenerate-only without quizzes queued %d jobs", res.JobsQueued)
	}
	tree, _ := f.repo.GetCourseTree(ctx, c.ID)
	if len(tree.ArticleQuizzes) != 0 || len(tree.SectionQuizzes) != 0 || tree.FinalExam != nil {
		t.Fatalf("regenerate-only created quizzes")
	}

	first, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, false)
	if err != nil || first.JobsQueued != 3 {
		t.Fatalf("bulk: %+v err=%v", first, err)
	}

	// placeholders whose first job is still waiting are not regenerated
	regen, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regen.JobsQueued != 0 {
		t.Fatalf("regenerated %d quizzes that were never generated", regen.JobsQueued)
	}
	if waiting, _ := f.q.ListByState(ctx, queue.Quiz, queue.StateWaiting, 0); len(waiting) != 3 {
		t.Fatalf("expected 3 waiting quiz jobs, got %d", len(waiting))
	}

	for i := 0; i < 3; i++ {
		j, err := f.q.Lease(ctx, queue.Quiz)
		if err != nil || j == nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		p, err := j.DecodePayload()
		if err != nil || p.QuizID == nil {
			t.Fatalf("payload: %+v err=%v", p, err)
		}
		if err := f.repo.SaveQuiz(ctx, *p.QuizID, "quiz", "[]"); err != nil {
			t.Fatalf("save quiz: %v", err)
		}
		if err := f.q.Complete(ctx, j.ID, *j.LeaseToken, "{}"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	regen, err = f.orch.EnqueueBulkQuizzes(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regen.JobsQueued != 3 {
		t.Fatalf("expected 3 regenerations, got %d", regen.JobsQueued)
	}
}

func TestEnqueueBulkQuizzes_GatesOnContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Go")
	s1 := f.section(t, c.ID, 1, "Basics")
	f.article(t, s1, 1, "Variables", true)
	f.article(t, s1, 2, "Loops", false)
	s2 := f.section(t, c.ID, 2, "Advanced")
	f.article(t, s2, 1, "Generics", false)

	res, err := f.orch.EnqueueBulkQuizzes(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.JobsQueued != 3 {
		t.Fatalf("expected article, section and final quizzes only, got %+v", res.Manifest)
	}
	for _, m := range res.Manifest {
		if m.SectionID != nil && *m.SectionID == s2.ID {
			t.Fatalf("queued a quiz for a section without content: %+v", m)
		}
	}

	empty := f.course(t, "Empty")
	res, err = f.orch.EnqueueBulkQuizzes(ctx, empty.ID, false)
	if err != nil || res.JobsQueued != 0 {
		t.Fatalf("course without content: %+v err=%v", res, err)
	}

	if _, err := f.orch.EnqueueBulkQuizzes(ctx, 9999, false); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnqueueOutline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Fresh")

	first, err := f.orch.EnqueueOutline(ctx, c.ID, false)
	if err != nil || !first.Queued || first.JobID == "" {
		t.Fatalf("outline: %+v err=%v", first, err)
	}
	second, err := f.orch.EnqueueOutline(ctx, c.ID, false)
	if err != nil || second.Queued || second.JobID != first.JobID {
		t.Fatalf("expected the live job back, got %+v err=%v", second, err)
	}

	built := f.course(t, "Built")
	f.section(t, built.ID, 1, "S1")
	res, err := f.orch.EnqueueOutline(ctx, built.ID, false)
	if err != nil || res.Queued {
		t.Fatalf("outline queued for a course that has one: %+v err=%v", res, err)
	}
	res, err = f.orch.EnqueueOutline(ctx, built.ID, true)
	if err != nil || !res.Queued {
		t.Fatalf("regenerate should queue: %+v err=%v", res, err)
	}
}

func TestEnsureArticleContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Go")
	s := f.section(t, c.ID, 1, "Basics")
	done := f.article(t, s, 1, "Variables", true)
	todo := f.article(t, s, 2, "Loops", false)

	got, err := f.orch.EnsureArticleContent(ctx, done.ID)
	if err != nil || !got.Ready || got.Content != "content of Variables" || got.JobID != "" {
		t.Fatalf("generated article: %+v err=%v", got, err)
	}

	queued, err := f.orch.EnsureArticleContent(ctx, todo.ID)
	if err != nil || queued.Ready || queued.JobID == "" {
		t.Fatalf("missing article: %+v err=%v", queued, err)
	}
	j, _ := f.q.Get(ctx, queued.JobID)
	p, _ := j.DecodePayload()
	if j.JobType != queue.TypeArticleContent || p.ArticleID == nil || *p.ArticleID != todo.ID || p.Context.SectionTitle != "Basics" {
		t.Fatalf("unexpected job %+v payload %+v", j, p)
	}
	again, err := f.orch.EnsureArticleContent(ctx, todo.ID)
	if err != nil || again.JobID != queued.JobID {
		t.Fatalf("expected the pending job back, got %+v err=%v", again, err)
	}

	if _, err := f.orch.EnsureArticleContent(ctx, 4242); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGenerateArticleInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Go")
	s := f.section(t, c.ID, 1, "Basics")
	a := f.article(t, s, 1, "Loops", false)

	got, err := f.orch.GenerateArticleInline(ctx, a.ID)
	if err != nil || !got.Ready || got.Content != f.llm.reply {
		t.Fatalf("inline: %+v err=%v", got, err)
	}
	stored, _ := f.repo.GetArticle(ctx, a.ID)
	if !stored.IsContentGenerated || stored.Content != f.llm.reply {
		t.Fatalf("content not persisted: %+v", stored)
	}
	if _, err := f.repo.FindQuiz(ctx, c.ID, content.QuizArticle, nil, &a.ID); err != nil {
		t.Fatalf("article quiz not queued: %v", err)
	}

	if _, err := f.orch.GenerateArticleInline(ctx, a.ID); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if f.llm.calls != 1 {
		t.Fatalf("provider called %d times", f.llm.calls)
	}
}

func TestOnCompleted_QueuesDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Go")
	if _, err := f.repo.ReplaceOutline(ctx, c.ID, []content.OutlineSection{
		{Title: "Basics", Articles: []string{"Variables", "Loops"}},
	}); err != nil {
		t.Fatalf("outline: %v", err)
	}

	outline := &queue.Job{ID: "outline-job", JobType: queue.TypeOutline, Payload: []byte(`{"course_id":` + itoa(c.ID) + `}`)}
	if err := f.orch.OnCompleted(ctx, outline, ""); err != nil {
		t.Fatalf("on outline completed: %v", err)
	}
	counts, _ := f.q.Counts(ctx, queue.CourseStructure)
	if counts[queue.StateWaiting] != 2 {
		t.Fatalf("expected 2 article jobs, got %v", counts)
	}

	articles, _ := f.repo.ListArticlesWithoutContent(ctx, c.ID)
	first := articles[0]
	articleJob := &queue.Job{ID: "article-job", JobType: queue.TypeArticleContent,
		Payload: []byte(`{"course_id":` + itoa(c.ID) + `,"article_id":` + itoa(first.ID) + `}`)}

	// content not stored yet: nothing depends on it
	if err := f.orch.OnCompleted(ctx, articleJob, ""); err != nil {
		t.Fatalf("on article completed: %v", err)
	}
	if n, _ := f.q.Counts(ctx, queue.Quiz); n[queue.StateWaiting] != 0 {
		t.Fatalf("quiz queued before content was visible")
	}

	if err := f.repo.SaveArticleContent(ctx, first.ID, "body"); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.orch.OnCompleted(ctx, articleJob, ""); err != nil {
			t.Fatalf("on article completed: %v", err)
		}
	}
	if n, _ := f.q.Counts(ctx, queue.Quiz); n[queue.StateWaiting] != 1 {
		t.Fatalf("expected exactly one article quiz, got %v", n)
	}
}

func TestRequestSitemapRebuild_Coalesces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.RequestSitemapRebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	second, err := f.orch.RequestSitemapRebuild(ctx)
	if err != nil || second != first {
		t.Fatalf("expected waiting rebuild %s back, got %s err=%v", first, second, err)
	}
}

func TestReporter_GetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	progress := redisstore.New(redisstore.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = progress.Close() })
	rep := NewReporter(f.q, f.repo, progress, nil)

	id, _ := f.q.Enqueue(ctx, queue.CourseStructure, queue.TypeOutline, queue.Payload{CourseID: 1})
	if st, _ := rep.GetStatus(ctx, id); st.Status != StatusWaiting || st.Source != SourceQueue {
		t.Fatalf("waiting: %+v", st)
	}

	j, _ := f.q.Lease(ctx, queue.CourseStructure)
	_ = progress.SetProgress(ctx, id, redisstore.Progress{Stage: "generating", Percent: 40})
	st, _ := rep.GetStatus(ctx, id)
	if st.Status != StatusActive || st.Progress == nil || st.Progress.Percent != 40 {
		t.Fatalf("active: %+v", st)
	}

	if err := f.q.Complete(ctx, id, *j.LeaseToken, `{"sections":1}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st, _ := rep.GetStatus(ctx, id); st.Status != StatusCompleted || st.Result == nil {
		t.Fatalf("completed: %+v", st)
	}

	if _, err := f.q.PurgeByState(ctx, queue.CourseStructure, queue.StateCompleted); err != nil {
		t.Fatalf("purge: %v", err)
	}
	st, err := rep.GetStatus(ctx, id)
	if err != nil || st.Status != StatusCompleted || st.Source != SourceRecord || *st.Result != `{"sections":1}` {
		t.Fatalf("purged job must report completed from its record: %+v err=%v", st, err)
	}

	if st, _ := rep.GetStatus(ctx, "01HUNKNOWN"); st.Status != StatusNotFound {
		t.Fatalf("unknown: %+v", st)
	}
}

func TestReporter_EntityFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.course(t, "Go")
	s := f.section(t, c.ID, 1, "Basics")
	a := f.article(t, s, 1, "Loops", false)
	rep := NewReporter(queue.NewMemory(testPolicies), f.repo, nil, nil)

	if err := f.repo.MarkPending(ctx, content.UnitArticle, a.ID, "01HARTICLEJOB"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if st, _ := rep.GetStatus(ctx, "01HARTICLEJOB"); st.Status != StatusNotFound {
		t.Fatalf("pending entity without a job: %+v", st)
	}
	msg := "provider unavailable"
	if err := f.repo.UpdateGenerationStatus(ctx, content.UnitArticle, a.ID, content.StatusError, &msg); err != nil {
		t.Fatalf("update: %v", err)
	}
	st, _ := rep.GetStatus(ctx, "01HARTICLEJOB")
	if st.Status != StatusFailed || st.Source != SourceEntity || st.Error == nil || *st.Error != msg {
		t.Fatalf("errored entity: %+v", st)
	}
	if err := f.repo.SaveArticleContent(ctx, a.ID, "body"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if st, _ := rep.GetStatus(ctx, "01HARTICLEJOB"); st.Status != StatusCompleted {
		t.Fatalf("generated entity: %+v", st)
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
