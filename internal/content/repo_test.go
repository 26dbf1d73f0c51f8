package content

import (
	"context"
	"errors"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

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
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func u64(v uint64) *uint64 { return &v }

func seedCourse(t *testing.T, r *Repo) (*Course, *Section, *Article) {
	t.Helper()
	ctx := context.Background()
	c := &Course{Title: "Intro to Go", Level: "beginner"}
	if err := r.CreateCourse(ctx, c); err != nil {
		t.Fatalf("create course: %v", err)
	}
	s := &Section{CourseID: c.ID, Position: 1, Title: "Basics"}
	if err := r.CreateSection(ctx, s); err != nil {
		t.Fatalf("create section: %v", err)
	}
	a := &Article{CourseID: c.ID, SectionID: s.ID, Position: 1, Title: "Variables", Content: "body", IsContentGenerated: true}
	if err := r.CreateArticle(ctx, a); err != nil {
		t.Fatalf("create article: %v", err)
	}
	return c, s, a
}

func TestQuizValidate(t *testing.T) {
	cases := []struct {
		q  Quiz
		ok bool
	}{
		{Quiz{Type: QuizArticle, ArticleID: u64(1)}, true},
		{Quiz{Type: QuizArticle}, false},
		{Quiz{Type: QuizSection, SectionID: u64(1)}, true},
		{Quiz{Type: QuizSection, SectionID: u64(1), ArticleID: u64(2)}, false},
		{Quiz{Type: QuizFinalExam}, true},
		{Quiz{Type: QuizFinalExam, SectionID: u64(1)}, false},
		{Quiz{Type: "pop"}, false},
	}
	for i, c := range cases {
		err := c.q.Validate()
		if (err == nil) != c.ok {
			t.Fatalf("case %d: Validate() = %v, want ok=%v", i, err, c.ok)
		}
		if err != nil && !errors.Is(err, ErrQuizShape) {
			t.Fatalf("case %d: expected ErrQuizShape, got %v", i, err)
		}
	}
}

func TestCreateQuiz_HookRejectsBadShape(t *testing.T) {
	db := openTestDB(t)
	err := db.Create(&Quiz{CourseID: 1, Type: QuizSection}).Error
	if !errors.Is(err, ErrQuizShape) {
		t.Fatalf("expected hook to reject section quiz without section, got %v", err)
	}
}

func TestGetCourseTree(t *testing.T) {
	r := NewRepo(openTestDB(t))
	ctx := context.Background()
	c, s, a := seedCourse(t, r)
	if _, _, err := r.EnsureQuiz(ctx, &Quiz{CourseID: c.ID, Type: QuizArticle, ArticleID: u64(a.ID)}); err != nil {
		t.Fatalf("ensure quiz: %v", err)
	}
	if _, _, err := r.EnsureQuiz(ctx, &Quiz{CourseID: c.ID, Type: QuizFinalExam}); err != nil {
		t.Fatalf("ensure final: %v", err)
	}

	tree, err := r.GetCourseTree(ctx, c.ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Sections) != 1 || tree.Sections[0].Section.ID != s.ID || len(tree.Sections[0].Articles) != 1 {
		t.Fatalf("unexpected tree %+v", tree.Sections)
	}
	if tree.ArticleQuizzes[a.ID] == nil || tree.FinalExam == nil || tree.SectionQuizzes[s.ID] != nil {
		t.Fatalf("unexpected quizzes: article=%v final=%v section=%v", tree.ArticleQuizzes, tree.FinalExam, tree.SectionQuizzes)
	}
	if !tree.HasContent() {
		t.Fatalf("expected course to have content")
	}

	if _, err := r.GetCourseTree(ctx, 999); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnsureQuiz_ReturnsExisting(t *testing.T) {
	r := NewRepo(openTestDB(t))
	ctx := context.Background()
	c, s, _ := seedCourse(t, r)

	first, created, err := r.EnsureQuiz(ctx, &Quiz{CourseID: c.ID, Type: QuizSection, SectionID: u64(s.ID)})
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	second, created, err := r.EnsureQuiz(ctx, &Quiz{CourseID: c.ID, Type: QuizSection, SectionID: u64(s.ID)})
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing quiz %d, got %d created=%v", first.ID, second.ID, created)
	}
}

func TestStatusUpdatesAndJobLookup(t *testing.T) {
	r := NewRepo(openTestDB(t))
	ctx := context.Background()
	_, _, a := seedCourse(t, r)

	if err := r.MarkPending(ctx, UnitArticle, a.ID, "01JOBARTICLE0000000000000A"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	ref, err := r.FindByJobID(ctx, "01JOBARTICLE0000000000000A")
	if err != nil {
		t.Fatalf("find by job: %v", err)
	}
	if ref.Unit != UnitArticle || ref.ID != a.ID || ref.Status != StatusPending {
		t.Fatalf("unexpected ref %+v", ref)
	}

	msg := "provider refused"
	if err := r.UpdateGenerationStatus(ctx, UnitArticle, a.ID, StatusError, &msg); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := r.GetArticle(ctx, a.ID)
	if got.GenerationStatus != StatusError || got.GenerationError == nil || *got.GenerationError != msg {
		t.Fatalf("unexpected article %+v", got.Generation)
	}

	if _, err := r.FindByJobID(ctx, "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.UpdateGenerationStatus(ctx, UnitQuiz, 404, StatusGenerated, nil); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for missing quiz, got %v", err)
	}
}

func TestReplaceOutline(t *testing.T) {
	r := NewRepo(openTestDB(t))
	ctx := context.Background()
	c, _, a := seedCourse(t, r)
	if _, _, err := r.EnsureQuiz(ctx, &Quiz{CourseID: c.ID, Type: QuizArticle, ArticleID: u64(a.ID)}); err != nil {
		t.Fatalf("ensure quiz: %v", err)
	}

	articles, err := r.ReplaceOutline(ctx, c.ID, []OutlineSection{
		{Title: "Setup", Articles: []string{"Installing Go", "Hello, World"}},
		{Title: "Types", Articles: []string{"Structs"}},
	})
	if err != nil {
		t.Fatalf("replace outline: %v", err)
	}
	if len(articles) != 3 || articles[1].Slug != "hello-world" {
		t.Fatalf("unexpected articles %+v", articles)
	}

	tree, err := r.GetCourseTree(ctx, c.ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Sections) != 2 || tree.Sections[0].Section.Title != "Setup" || len(tree.Sections[0].Articles) != 2 {
		t.Fatalf("unexpected tree after replace")
	}
	if len(tree.ArticleQuizzes) != 0 {
		t.Fatalf("stale article quizzes survived the outline swap")
	}
	if tree.Course.GenerationStatus != StatusGenerated || tree.HasContent() {
		t.Fatalf("unexpected course state %+v", tree.Course.Generation)
	}

	missing, err := r.ListArticlesWithoutContent(ctx, c.ID)
	if err != nil || len(missing) != 3 {
		t.Fatalf("articles without content: %d err=%v", len(missing), err)
	}
}

func TestListPublished(t *testing.T) {
	r := NewRepo(openTestDB(t))
	ctx := context.Background()
	c, _, _ := seedCourse(t, r)
	if err := r.UpdateGenerationStatus(ctx, UnitCourse, c.ID, StatusGenerated, nil); err != nil {
		t.Fatalf("mark course: %v", err)
	}
	entries, err := r.ListPublished(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].CourseSlug != "intro-to-go" || entries[1].ArticleSlug != "variables" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello, World":      "hello-world",
		"  Go 1.22 Release ": "go-1-22-release",
		"":                  "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
