package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// SectionNode is a section with its ordered articles.
type SectionNode struct {
	Section  Section
	Articles []Article
}

// CourseTree is a course with everything the quiz stages hang off.
type CourseTree struct {
	Course         Course
	Sections       []SectionNode
	ArticleQuizzes map[uint64]*Quiz
	SectionQuizzes map[uint64]*Quiz
	FinalExam      *Quiz
}

// HasContent reports whether any article in the course has generated content.
func (t *CourseTree) HasContent() bool {
	for _, s := range t.Sections {
		if s.HasContent() {
			return true
		}
	}
	return false
}

func (n SectionNode) HasContent() bool {
	for _, a := range n.Articles {
		if a.IsContentGenerated {
			return true
		}
	}
	return false
}

func notFound(what string, id any, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(what, id)
	}
	return err
}

func (r *Repo) CreateCourse(ctx context.Context, c *Course) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) CreateSection(ctx context.Context, s *Section) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) CreateArticle(ctx context.Context, a *Article) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetCourse(ctx context.Context, id uint64) (*Course, error) {
	var c Course
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound("course", id, err)
	}
	return &c, nil
}

func (r *Repo) GetSection(ctx context.Context, id uint64) (*Section, error) {
	var s Section
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound("section", id, err)
	}
	return &s, nil
}

func (r *Repo) GetArticle(ctx context.Context, id uint64) (*Article, error) {
	var a Article
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound("article", id, err)
	}
	return &a, nil
}

func (r *Repo) GetQuiz(ctx context.Context, id uint64) (*Quiz, error) {
	var q Quiz
	if err := r.db.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, notFound("quiz", id, err)
	}
	return &q, nil
}

// GetCourseTree loads the course, its ordered sections and articles, and
// every quiz it owns.
func (r *Repo) GetCourseTree(ctx context.Context, courseID uint64) (*CourseTree, error) {
	course, err := r.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	db := r.db.WithContext(ctx)

	var sections []Section
	if err := db.Where("course_id = ?", courseID).Order("position ASC").Order("id ASC").Find(&sections).Error; err != nil {
		return nil, err
	}
	var articles []Article
	if err := db.Where("course_id = ?", courseID).Order("position ASC").Order("id ASC").Find(&articles).Error; err != nil {
		return nil, err
	}
	var quizzes []Quiz
	if err := db.Where("course_id = ?", courseID).Find(&quizzes).Error; err != nil {
		return nil, err
	}

	bySection := make(map[uint64][]Article, len(sections))
	for _, a := range articles {
		bySection[a.SectionID] = append(bySection[a.SectionID], a)
	}
	tree := &CourseTree{
		Course:         *course,
		Sections:       make([]SectionNode, 0, len(sections)),
		ArticleQuizzes: map[uint64]*Quiz{},
		SectionQuizzes: map[uint64]*Quiz{},
	}
	for _, s := range sections {
		tree.Sections = append(tree.Sections, SectionNode{Section: s, Articles: bySection[s.ID]})
	}
	for i := range quizzes {
		q := &quizzes[i]
		switch q.Type {
		case QuizArticle:
			tree.ArticleQuizzes[*q.ArticleID] = q
		case QuizSection:
			tree.SectionQuizzes[*q.SectionID] = q
		case QuizFinalExam:
			tree.FinalExam = q
		}
	}
	return tree, nil
}

// EnsureQuiz creates the quiz, or returns the one already filling the same
// target. created is false when an existing row was returned.
func (r *Repo) EnsureQuiz(ctx context.Context, q *Quiz) (*Quiz, bool, error) {
	if err := q.Validate(); err != nil {
		return nil, false, apperr.Validation("quiz", err.Error())
	}
	err := r.db.WithContext(ctx).Create(q).Error
	if err == nil {
		return q, true, nil
	}

	existing, getErr := r.FindQuiz(ctx, q.CourseID, q.Type, q.SectionID, q.ArticleID)
	if getErr == nil {
		return existing, false, nil
	}
	if apperr.IsNotFound(getErr) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) FindQuiz(ctx context.Context, courseID uint64, t QuizType, sectionID, articleID *uint64) (*Quiz, error) {
	key := QuizTargetKey(t, sectionID, articleID)
	var q Quiz
	err := r.db.WithContext(ctx).Where("course_id = ? AND target_key = ?", courseID, key).First(&q).Error
	if err != nil {
		return nil, notFound("quiz", key, err)
	}
	return &q, nil
}

func tableFor(u Unit) (any, error) {
	switch u {
	case UnitCourse:
		return &Course{}, nil
	case UnitSection:
		return &Section{}, nil
	case UnitArticle:
		return &Article{}, nil
	case UnitQuiz:
		return &Quiz{}, nil
	}
	return nil, fmt.Errorf("unknown generation unit %q", u)
}

// MarkPending records that jobID now owns the unit's generation.
func (r *Repo) MarkPending(ctx context.Context, u Unit, id uint64, jobID string) error {
	model, err := tableFor(u)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(model).
		Where("id = ?", id).
		Updates(map[string]any{
			"generation_status": StatusPending,
			"generation_error":  nil,
			"last_job_id":       jobID,
		}).Error
}

// UpdateGenerationStatus sets the unit's status; errMsg is stored only for
// StatusError and cleared otherwise.
func (r *Repo) UpdateGenerationStatus(ctx context.Context, u Unit, id uint64, status GenerationStatus, errMsg *string) error {
	model, err := tableFor(u)
	if err != nil {
		return err
	}
	updates := map[string]any{"generation_status": status, "generation_error": nil}
	if status == StatusError && errMsg != nil {
		updates["generation_error"] = *errMsg
	}
	res := r.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(string(u), id)
	}
	return nil
}

func (r *Repo) SaveArticleContent(ctx context.Context, articleID uint64, body string) error {
	res := r.db.WithContext(ctx).Model(&Article{}).
		Where("id = ?", articleID).
		Updates(map[string]any{
			"content":              body,
			"is_content_generated": true,
			"generation_status":    StatusGenerated,
			"generation_error":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("article", articleID)
	}
	return nil
}

func (r *Repo) SaveQuiz(ctx context.Context, quizID uint64, title, questions string) error {
	updates := map[string]any{
		"questions":         questions,
		"generation_status": StatusGenerated,
		"generation_error":  nil,
	}
	if title != "" {
		updates["title"] = title
	}
	res := r.db.WithContext(ctx).Model(&Quiz{}).Where("id = ?", quizID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("quiz", quizID)
	}
	return nil
}

// OutlineSection is one section of a generated outline.
type OutlineSection struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Articles []string `json:"articles"`
}

// ReplaceOutline swaps the course's sections and articles for the outline in
// one transaction. Quizzes attached to the old sections and articles go with
// them; the final exam is kept.
func (r *Repo) ReplaceOutline(ctx context.Context, courseID uint64, outline []OutlineSection) ([]Article, error) {
	var created []Article
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("course_id = ? AND type <> ?", courseID, QuizFinalExam).Delete(&Quiz{}).Error; err != nil {
			return err
		}
		if err := tx.Where("course_id = ?", courseID).Delete(&Article{}).Error; err != nil {
			return err
		}
		if err := tx.Where("course_id = ?", courseID).Delete(&Section{}).Error; err != nil {
			return err
		}
		for i, sec := range outline {
			s := Section{
				CourseID:   courseID,
				Position:   i + 1,
				Title:      sec.Title,
				Summary:    sec.Summary,
				Generation: Generation{GenerationStatus: StatusGenerated},
			}
			if err := tx.Create(&s).Error; err != nil {
				return err
			}
			for j, title := range sec.Articles {
				a := Article{
					CourseID:   courseID,
					SectionID:  s.ID,
					Position:   j + 1,
					Title:      title,
					Slug:       Slugify(title),
					Generation: Generation{GenerationStatus: StatusNotStarted},
				}
				if err := tx.Create(&a).Error; err != nil {
					return err
				}
				created = append(created, a)
			}
		}
		return tx.Model(&Course{}).Where("id = ?", courseID).Updates(map[string]any{
			"generation_status": StatusGenerated,
			"generation_error":  nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *Repo) ListArticlesWithoutContent(ctx context.Context, courseID uint64) ([]Article, error) {
	var out []Article
	err := r.db.WithContext(ctx).
		Where("course_id = ? AND is_content_generated = ?", courseID, false).
		Order("section_id ASC").Order("position ASC").
		Find(&out).Error
	return out, err
}

// UnitRef points at the entity a job last targeted.
type UnitRef struct {
	Unit   Unit
	ID     uint64
	Status GenerationStatus
	Error  *string
}

// FindByJobID finds the entity whose LastJobID is jobID. It is the last
// fallback for status queries once the queue and its records forgot the job.
func (r *Repo) FindByJobID(ctx context.Context, jobID string) (*UnitRef, error) {
	type row struct {
		ID uint64
		Generation
	}
	for _, u := range []Unit{UnitQuiz, UnitArticle, UnitCourse, UnitSection} {
		model, _ := tableFor(u)
		var found row
		err := r.db.WithContext(ctx).Model(model).
			Select("id, generation_status, generation_error, last_job_id").
			Where("last_job_id = ?", jobID).
			Take(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &UnitRef{Unit: u, ID: found.ID, Status: found.GenerationStatus, Error: found.GenerationError}, nil
	}
	return nil, apperr.NotFound("job", jobID)
}

// SitemapEntry is a public page with its last modification time.
type SitemapEntry struct {
	CourseSlug  string
	ArticleSlug string
	UpdatedAt   time.Time
}

// ListPublished returns generated courses followed by their articles that
// have content, in a stable order.
func (r *Repo) ListPublished(ctx context.Context) ([]SitemapEntry, error) {
	var courses []Course
	if err := r.db.WithContext(ctx).
		Where("generation_status = ?", StatusGenerated).
		Order("id ASC").
		Find(&courses).Error; err != nil {
		return nil, err
	}
	if len(courses) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(courses))
	slugs := make(map[uint64]string, len(courses))
	var out []SitemapEntry
	for _, c := range courses {
		ids = append(ids, c.ID)
		slug := c.Slug
		if slug == "" {
			slug = Slugify(c.Title)
		}
		slugs[c.ID] = slug
		out = append(out, SitemapEntry{CourseSlug: slug, UpdatedAt: c.UpdatedAt})
	}

	var articles []Article
	if err := r.db.WithContext(ctx).
		Select("id, course_id, section_id, position, title, slug, updated_at").
		Where("course_id IN ? AND is_content_generated = ?", ids, true).
		Find(&articles).Error; err != nil {
		return nil, err
	}
	sort.Slice(articles, func(i, j int) bool {
		if articles[i].CourseID != articles[j].CourseID {
			return articles[i].CourseID < articles[j].CourseID
		}
		return articles[i].ID < articles[j].ID
	})
	for _, a := range articles {
		slug := a.Slug
		if slug == "" {
			slug = Slugify(a.Title)
		}
		out = append(out, SitemapEntry{CourseSlug: slugs[a.CourseID], ArticleSlug: slug, UpdatedAt: a.UpdatedAt})
	}
	return out, nil
}
