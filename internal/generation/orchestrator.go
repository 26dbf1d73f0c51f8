// Package generation decides which generation jobs a course needs, enqueues
// them without duplicating work, and reports job status.
package generation

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
)

type Orchestrator struct {
	repo *content.Repo
	q    queue.Queue
	gen  *ai.Generator
	log  *logger.Logger
}

func NewOrchestrator(repo *content.Repo, q queue.Queue, gen *ai.Generator, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Orchestrator{repo: repo, q: q, gen: gen, log: log.With("component", "Orchestrator")}
}

// ManifestEntry describes one queued job.
type ManifestEntry struct {
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	SectionID *uint64 `json:"section_id,omitempty"`
	ArticleID *uint64 `json:"article_id,omitempty"`
	QuizID    uint64  `json:"quiz_id"`
	JobID     string  `json:"job_id"`
}

type BulkResult struct {
	JobsQueued int             `json:"jobs_queued"`
	JobIDs     []string        `json:"job_ids"`
	Manifest   []ManifestEntry `json:"manifest"`
}

func (r *BulkResult) add(e ManifestEntry) {
	r.JobsQueued++
	r.JobIDs = append(r.JobIDs, e.JobID)
	r.Manifest = append(r.Manifest, e)
}

// quizTarget is one quiz the bulk request may generate.
type quizTarget struct {
	stage     Stage
	quizType  content.QuizType
	title     string
	sectionID *uint64
	articleID *uint64
	snapshot  queue.Snapshot
	hasSource bool
	existing  *content.Quiz
}

// EnqueueBulkQuizzes queues article quizzes, section quizzes and the final
// exam of a course. Targets without generated content are skipped. With
// regenerateOnly false only missing quizzes are queued; with it true only
// existing ones are.
func (o *Orchestrator) EnqueueBulkQuizzes(ctx context.Context, courseID uint64, regenerateOnly bool) (*BulkResult, error) {
	tree, err := o.repo.GetCourseTree(ctx, courseID)
	if err != nil {
		return nil, err
	}
	course := tree.Course
	base := queue.Snapshot{CourseTitle: course.Title, Description: course.Description, Level: course.Level}

	var targets []quizTarget
	for _, node := range tree.Sections {
		sec := node.Section
		for _, a := range node.Articles {
			snap := base
			snap.SectionTitle, snap.ArticleTitle = sec.Title, a.Title
			targets = append(targets, quizTarget{
				stage:     StageArticleQuiz,
				quizType:  content.QuizArticle,
				title:     "Quiz: " + a.Title,
				sectionID: u64(sec.ID),
				articleID: u64(a.ID),
				snapshot:  snap,
				hasSource: a.IsContentGenerated,
				existing:  tree.ArticleQuizzes[a.ID],
			})
		}
		snap := base
		snap.SectionTitle = sec.Title
		targets = append(targets, quizTarget{
			stage:     StageSectionQuiz,
			quizType:  content.QuizSection,
			title:     "Section quiz: " + sec.Title,
			sectionID: u64(sec.ID),
			snapshot:  snap,
			hasSource: node.HasContent(),
			existing:  tree.SectionQuizzes[sec.ID],
		})
	}
	targets = append(targets, quizTarget{
		stage:     StageFinalExam,
		quizType:  content.QuizFinalExam,
		title:     "Final exam: " + course.Title,
		snapshot:  base,
		hasSource: tree.HasContent(),
		existing:  tree.FinalExam,
	})

	res := &BulkResult{JobIDs: []string{}, Manifest: []ManifestEntry{}}
	for _, t := range targets {
		action := Decide(DecisionInput{
			Stage:          t.stage,
			HasSource:      t.hasSource,
			Exists:         t.existing != nil,
			RegenerateOnly: regenerateOnly,
		})
		if action == ActionSkip {
			continue
		}
		entry, queued, err := o.enqueueQuiz(ctx, courseID, t)
		if err != nil {
			return res, err
		}
		if queued {
			res.add(entry)
		}
	}

	o.log.Info("bulk quiz generation queued",
		"course_id", courseID, "regenerate_only", regenerateOnly, "jobs", res.JobsQueued)
	return res, nil
}

// enqueueQuiz queues one quiz job. A new quiz gets a pending placeholder row
// first so a repeated request sees it as existing; losing the race for the
// placeholder means another request already queued it. An existing quiz
// whose last job is still queued or running is left alone.
func (o *Orchestrator) enqueueQuiz(ctx context.Context, courseID uint64, t quizTarget) (ManifestEntry, bool, error) {
	quiz := t.existing
	if quiz != nil {
		// still waiting on its first (or previous) job
		if id, live := o.liveJob(ctx, quiz.Generation); live {
			o.log.Debug("quiz job already live", "quiz_id", quiz.ID, "job_id", id)
			return ManifestEntry{}, false, nil
		}
	} else {
		placeholder := &content.Quiz{
			CourseID:   courseID,
			Type:       t.quizType,
			SectionID:  t.sectionID,
			ArticleID:  t.articleID,
			Title:      t.title,
			Generation: content.Generation{GenerationStatus: content.StatusPending},
		}
		got, created, err := o.repo.EnsureQuiz(ctx, placeholder)
		if err != nil {
			return ManifestEntry{}, false, err
		}
		if !created {
			return ManifestEntry{}, false, nil
		}
		quiz = got
	}

	payload := queue.Payload{
		CourseID:  courseID,
		SectionID: quiz.SectionID,
		ArticleID: quiz.ArticleID,
		QuizID:    u64(quiz.ID),
		Context:   t.snapshot,
	}
	jobType := string(t.stage)
	jobID, err := o.q.Enqueue(ctx, queue.Quiz, jobType, payload)
	if err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if uerr := o.repo.UpdateGenerationStatus(ctx, content.UnitQuiz, quiz.ID, content.StatusError, &msg); uerr != nil {
			o.log.Warn("mark quiz error failed", "quiz_id", quiz.ID, "error", uerr)
		}
		return ManifestEntry{}, false, err
	}
	if err := o.repo.MarkPending(ctx, content.UnitQuiz, quiz.ID, jobID); err != nil {
		return ManifestEntry{}, false, err
	}

	return ManifestEntry{
		Type:      jobType,
		Title:     t.title,
		SectionID: quiz.SectionID,
		ArticleID: quiz.ArticleID,
		QuizID:    quiz.ID,
		JobID:     jobID,
	}, true, nil
}

// OutlineResult reports the outline job for a course.
type OutlineResult struct {
	CourseID uint64 `json:"course_id"`
	JobID    string `json:"job_id,omitempty"`
	Queued   bool   `json:"queued"`
}

// EnqueueOutline queues the outline job of a course that has no sections
// yet, or of any course when regenerate is set. A live outline job is
// returned instead of queueing a second one.
func (o *Orchestrator) EnqueueOutline(ctx context.Context, courseID uint64, regenerate bool) (*OutlineResult, error) {
	tree, err := o.repo.GetCourseTree(ctx, courseID)
	if err != nil {
		return nil, err
	}
	course := tree.Course
	res := &OutlineResult{CourseID: courseID}

	if id, ok := o.liveJob(ctx, course.Generation); ok {
		res.JobID = id
		return res, nil
	}
	action := Decide(DecisionInput{
		Stage:     StageOutline,
		HasSource: true,
		Exists:    len(tree.Sections) > 0,
		Force:     regenerate,
	})
	if action == ActionSkip {
		return res, nil
	}

	jobID, err := o.q.Enqueue(ctx, queue.CourseStructure, queue.TypeOutline, queue.Payload{
		CourseID: courseID,
		Context:  queue.Snapshot{CourseTitle: course.Title, Description: course.Description, Level: course.Level},
	}, queue.WithPriority(10))
	if err != nil {
		return nil, err
	}
	if err := o.repo.MarkPending(ctx, content.UnitCourse, courseID, jobID); err != nil {
		return nil, err
	}
	o.log.Info("outline queued", "course_id", courseID, "job_id", jobID, "regenerate", regenerate)
	res.JobID, res.Queued = jobID, true
	return res, nil
}

// ArticleContent is either the generated article or the job producing it.
type ArticleContent struct {
	ArticleID uint64 `json:"article_id"`
	Ready     bool   `json:"ready"`
	Content   string `json:"content,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// EnsureArticleContent returns generated content right away. Otherwise it
// returns the job already producing it, or queues one.
func (o *Orchestrator) EnsureArticleContent(ctx context.Context, articleID uint64) (*ArticleContent, error) {
	a, err := o.repo.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if a.IsContentGenerated {
		return &ArticleContent{ArticleID: a.ID, Ready: true, Content: a.Content}, nil
	}
	jobID, err := o.enqueueArticleContent(ctx, a)
	if err != nil {
		return nil, err
	}
	return &ArticleContent{ArticleID: a.ID, JobID: jobID}, nil
}

func (o *Orchestrator) enqueueArticleContent(ctx context.Context, a *content.Article) (string, error) {
	if id, ok := o.liveJob(ctx, a.Generation); ok {
		return id, nil
	}
	in, err := o.articleContext(ctx, a)
	if err != nil {
		return "", err
	}
	jobID, err := o.q.Enqueue(ctx, queue.CourseStructure, queue.TypeArticleContent, queue.Payload{
		CourseID:  a.CourseID,
		SectionID: u64(a.SectionID),
		ArticleID: u64(a.ID),
		Context: queue.Snapshot{
			CourseTitle:  in.CourseTitle,
			Description:  in.Description,
			Level:        in.Level,
			SectionTitle: in.SectionTitle,
			ArticleTitle: in.ArticleTitle,
		},
	})
	if err != nil {
		return "", err
	}
	if err := o.repo.MarkPending(ctx, content.UnitArticle, a.ID, jobID); err != nil {
		return "", err
	}
	return jobID, nil
}

// GenerateArticleInline generates the article within the call instead of
// queueing it. Generated content is returned without a provider call.
func (o *Orchestrator) GenerateArticleInline(ctx context.Context, articleID uint64) (*ArticleContent, error) {
	a, err := o.repo.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if a.IsContentGenerated {
		return &ArticleContent{ArticleID: a.ID, Ready: true, Content: a.Content}, nil
	}
	if o.gen == nil {
		return nil, apperr.Fatal(fmt.Errorf("no generator configured"))
	}
	in, err := o.articleContext(ctx, a)
	if err != nil {
		return nil, err
	}
	body, err := o.gen.Generate(ctx, ai.KindArticle, in)
	if err != nil {
		msg := err.Error()
		if uerr := o.repo.UpdateGenerationStatus(ctx, content.UnitArticle, a.ID, content.StatusError, &msg); uerr != nil {
			o.log.Warn("mark article error failed", "article_id", a.ID, "error", uerr)
		}
		return nil, err
	}
	if err := o.repo.SaveArticleContent(ctx, a.ID, body); err != nil {
		return nil, err
	}
	if err := o.afterArticleContent(ctx, a.ID); err != nil {
		o.log.Warn("queue article quiz failed", "article_id", a.ID, "error", err)
	}
	return &ArticleContent{ArticleID: a.ID, Ready: true, Content: body}, nil
}

// OnCompleted queues the stages that depend on a completed job. Dependents
// are queued only once the dependency's output is visible in storage.
func (o *Orchestrator) OnCompleted(ctx context.Context, job *queue.Job, _ string) error {
	p, err := job.DecodePayload()
	if err != nil {
		return err
	}
	switch job.JobType {
	case queue.TypeOutline:
		articles, err := o.repo.ListArticlesWithoutContent(ctx, p.CourseID)
		if err != nil {
			return err
		}
		for i := range articles {
			if _, err := o.enqueueArticleContent(ctx, &articles[i]); err != nil {
				return fmt.Errorf("queue content of article %d: %w", articles[i].ID, err)
			}
		}
		o.log.Info("article content queued after outline", "course_id", p.CourseID, "articles", len(articles))
	case queue.TypeArticleContent:
		if p.ArticleID == nil {
			return nil
		}
		return o.afterArticleContent(ctx, *p.ArticleID)
	}
	return nil
}

// afterArticleContent queues the article's quiz once its content exists.
func (o *Orchestrator) afterArticleContent(ctx context.Context, articleID uint64) error {
	a, err := o.repo.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}
	if !a.IsContentGenerated {
		o.log.Warn("article content not visible yet, quiz not queued", "article_id", articleID)
		return nil
	}
	existing, err := o.repo.FindQuiz(ctx, a.CourseID, content.QuizArticle, nil, u64(a.ID))
	if err == nil && existing != nil {
		return nil
	}
	if err != nil && !apperr.IsNotFound(err) {
		return err
	}
	in, err := o.articleContext(ctx, a)
	if err != nil {
		return err
	}
	_, _, err = o.enqueueQuiz(ctx, a.CourseID, quizTarget{
		stage:     StageArticleQuiz,
		quizType:  content.QuizArticle,
		title:     "Quiz: " + a.Title,
		sectionID: u64(a.SectionID),
		articleID: u64(a.ID),
		snapshot: queue.Snapshot{
			CourseTitle:  in.CourseTitle,
			Description:  in.Description,
			Level:        in.Level,
			SectionTitle: in.SectionTitle,
			ArticleTitle: in.ArticleTitle,
		},
		hasSource: true,
	})
	return err
}

// RequestSitemapRebuild queues a sitemap rebuild unless one is already
// waiting.
func (o *Orchestrator) RequestSitemapRebuild(ctx context.Context) (string, error) {
	waiting, err := o.q.ListByState(ctx, queue.Sitemap, queue.StateWaiting, 1)
	if err != nil {
		return "", err
	}
	if len(waiting) > 0 {
		return waiting[0].ID, nil
	}
	return o.q.Enqueue(ctx, queue.Sitemap, queue.TypeRebuildSitemap, queue.Payload{})
}

// liveJob returns the unit's last job when it is still queued or running.
func (o *Orchestrator) liveJob(ctx context.Context, g content.Generation) (string, bool) {
	if g.GenerationStatus != content.StatusPending || g.LastJobID == nil {
		return "", false
	}
	st, err := o.q.GetState(ctx, *g.LastJobID)
	if err != nil || st.Terminal() {
		return "", false
	}
	return *g.LastJobID, true
}

func (o *Orchestrator) articleContext(ctx context.Context, a *content.Article) (ai.Context, error) {
	course, err := o.repo.GetCourse(ctx, a.CourseID)
	if err != nil {
		return ai.Context{}, err
	}
	sec, err := o.repo.GetSection(ctx, a.SectionID)
	if err != nil {
		return ai.Context{}, err
	}
	return ai.Context{
		CourseTitle:  course.Title,
		Description:  course.Description,
		Level:        course.Level,
		SectionTitle: sec.Title,
		ArticleTitle: a.Title,
	}, nil
}

func u64(v uint64) *uint64 { return &v }
