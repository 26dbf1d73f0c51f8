package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

// sourceLimit bounds the material a quiz prompt quotes.
const sourceLimit = 12000

// Quiz generates article quizzes, section quizzes and final exams.
type Quiz struct {
	jobType string
	kind    ai.Kind
	repo    *content.Repo
	gen     *ai.Generator
	q       queue.Queue
	notify  string
	log     *logger.Logger
}

func NewQuiz(jobType string, d Deps) *Quiz {
	h := &Quiz{jobType: jobType, repo: d.Repo, gen: d.Gen, q: d.Queue, notify: strings.TrimSpace(d.NotifyEmail), log: d.Log}
	switch jobType {
	case queue.TypeArticleQuiz:
		h.kind = ai.KindArticleQuiz
	case queue.TypeSectionQuiz:
		h.kind = ai.KindSectionQuiz
	case queue.TypeFinalExam:
		h.kind = ai.KindFinalExam
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	return h
}

func (h *Quiz) Type() string { return h.jobType }

type quizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      int      `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

type quizReply struct {
	Title     string         `json:"title"`
	Questions []quizQuestion `json:"questions"`
}

func (h *Quiz) Run(c *worker.Context) (string, error) {
	ctx := c.Ctx()
	if c.Payload.QuizID == nil {
		return "", apperr.Fatal(fmt.Errorf("%s job without quiz_id", h.jobType))
	}
	quiz, err := h.repo.GetQuiz(ctx, *c.Payload.QuizID)
	if err != nil {
		return "", gone(err)
	}
	in, err := h.context(ctx, quiz)
	if err != nil {
		return "", gone(err)
	}
	if strings.TrimSpace(in.Source) == "" {
		return "", apperr.Fatal(errors.New("no generated content to quiz over"))
	}

	c.Progress("generating", 10)
	raw, err := h.gen.Generate(ctx, h.kind, in)
	if err != nil {
		return "", err
	}
	var reply quizReply
	if err := decodeJSON(raw, &reply); err != nil {
		return "", fmt.Errorf("%s: %w", h.jobType, err)
	}
	questions := reply.Questions[:0]
	for _, q := range reply.Questions {
		if strings.TrimSpace(q.Question) != "" && len(q.Options) > 1 && q.Answer >= 0 && q.Answer < len(q.Options) {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return "", apperr.Permanent(errors.New("quiz has no usable questions"))
	}

	c.Progress("saving", 90)
	if err := c.Guard(ctx); err != nil {
		return "", err
	}
	if err := h.repo.SaveQuiz(ctx, quiz.ID, strings.TrimSpace(reply.Title), resultJSON(questions)); err != nil {
		return "", err
	}

	h.notifyReady(ctx, c.Log, quiz, in, len(questions))
	return resultJSON(map[string]any{"quiz_id": quiz.ID, "questions": len(questions)}), nil
}

// context re-reads titles and source material at execution time.
func (h *Quiz) context(ctx context.Context, quiz *content.Quiz) (ai.Context, error) {
	tree, err := h.repo.GetCourseTree(ctx, quiz.CourseID)
	if err != nil {
		return ai.Context{}, err
	}
	in := courseContext(&tree.Course)
	var src strings.Builder
	add := func(a content.Article) {
		if !a.IsContentGenerated || src.Len() >= sourceLimit {
			return
		}
		fmt.Fprintf(&src, "## %s\n%s\n\n", a.Title, a.Content)
	}

	switch quiz.Type {
	case content.QuizArticle:
		a, err := h.repo.GetArticle(ctx, *quiz.ArticleID)
		if err != nil {
			return ai.Context{}, err
		}
		in.ArticleTitle = a.Title
		for _, n := range tree.Sections {
			if n.Section.ID == a.SectionID {
				in.SectionTitle = n.Section.Title
			}
		}
		add(*a)
	case content.QuizSection:
		found := false
		for _, n := range tree.Sections {
			if n.Section.ID != *quiz.SectionID {
				continue
			}
			found = true
			in.SectionTitle = n.Section.Title
			for _, a := range n.Articles {
				add(a)
			}
		}
		if !found {
			return ai.Context{}, apperr.NotFound("section", *quiz.SectionID)
		}
	case content.QuizFinalExam:
		for _, n := range tree.Sections {
			for _, a := range n.Articles {
				add(a)
			}
		}
	}
	in.Source = clip(src.String(), sourceLimit)
	return in, nil
}

// notifyReady queues a notification mail. Failures are logged only.
func (h *Quiz) notifyReady(ctx context.Context, log *logger.Logger, quiz *content.Quiz, in ai.Context, n int) {
	if h.notify == "" || h.q == nil {
		return
	}
	subject := fmt.Sprintf("Quiz ready: %s", in.CourseTitle)
	var body strings.Builder
	fmt.Fprintf(&body, "A %s with %d questions was generated for %q.\n", strings.ReplaceAll(string(quiz.Type), "_", " "), n, in.CourseTitle)
	if in.SectionTitle != "" {
		fmt.Fprintf(&body, "Section: %s\n", in.SectionTitle)
	}
	if in.ArticleTitle != "" {
		fmt.Fprintf(&body, "Article: %s\n", in.ArticleTitle)
	}
	_, err := h.q.Enqueue(ctx, queue.Email, queue.TypeSendEmail, queue.Payload{
		CourseID: quiz.CourseID,
		QuizID:   &quiz.ID,
		Email:    &queue.EmailMessage{To: h.notify, Subject: subject, Body: body.String()},
	})
	if err != nil {
		log.Warn("queue quiz notification failed", "quiz_id", quiz.ID, "error", err)
	}
}

func (h *Quiz) OnExhausted(ctx context.Context, job *queue.Job, reason string) error {
	p, err := job.DecodePayload()
	if err != nil {
		return err
	}
	return markError(ctx, h.repo, content.UnitQuiz, p.QuizID, reason)
}
