package content

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type GenerationStatus string

const (
	StatusNotStarted GenerationStatus = "not_started"
	StatusPending    GenerationStatus = "pending"
	StatusGenerated  GenerationStatus = "generated"
	StatusError      GenerationStatus = "error"
)

// Unit names the kind of entity a generation job targets.
type Unit string

const (
	UnitCourse  Unit = "course"
	UnitSection Unit = "section"
	UnitArticle Unit = "article"
	UnitQuiz    Unit = "quiz"
)

// Generation is embedded in every entity the pipeline fills in.
type Generation struct {
	GenerationStatus GenerationStatus `gorm:"type:varchar(16);not null;default:not_started" json:"generation_status"`
	GenerationError  *string          `gorm:"type:text" json:"generation_error,omitempty"`
	// LastJobID correlates the entity with the last job that targeted it.
	LastJobID *string `gorm:"size:26;index" json:"last_job_id,omitempty"`
}

type Course struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Title       string `gorm:"type:varchar(255);not null" json:"title"`
	Slug        string `gorm:"type:varchar(255);index" json:"slug"`
	Description string `gorm:"type:text" json:"description"`
	Level       string `gorm:"type:varchar(32)" json:"level"`
	Generation  `gorm:"embedded"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Course) TableName() string { return "courses" }

type Section struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	CourseID   uint64 `gorm:"not null;index:idx_sections_course_pos,priority:1" json:"course_id"`
	Position   int    `gorm:"not null;index:idx_sections_course_pos,priority:2" json:"position"`
	Title      string `gorm:"type:varchar(255);not null" json:"title"`
	Summary    string `gorm:"type:text" json:"summary"`
	Generation `gorm:"embedded"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Section) TableName() string { return "course_sections" }

type Article struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	CourseID           uint64 `gorm:"not null;index" json:"course_id"`
	SectionID          uint64 `gorm:"not null;index:idx_articles_section_pos,priority:1" json:"section_id"`
	Position           int    `gorm:"not null;index:idx_articles_section_pos,priority:2" json:"position"`
	Title              string `gorm:"type:varchar(255);not null" json:"title"`
	Slug               string `gorm:"type:varchar(255);index" json:"slug"`
	Content            string `gorm:"type:text" json:"content,omitempty"`
	IsContentGenerated bool   `gorm:"not null;default:false" json:"is_content_generated"`
	Generation         `gorm:"embedded"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Article) TableName() string { return "course_articles" }

type QuizType string

const (
	QuizArticle   QuizType = "article"
	QuizSection   QuizType = "section"
	QuizFinalExam QuizType = "final_exam"
)

var ErrQuizShape = errors.New("quiz owner does not match its type")

type Quiz struct {
	ID        uint64   `gorm:"primaryKey;autoIncrement" json:"id"`
	CourseID  uint64   `gorm:"not null;index:uniq_quiz_target,unique,priority:1" json:"course_id"`
	Type      QuizType `gorm:"type:varchar(16);not null" json:"type"`
	SectionID *uint64  `gorm:"index" json:"section_id,omitempty"`
	ArticleID *uint64  `gorm:"index" json:"article_id,omitempty"`
	// TargetKey is derived from Type and the owner ids; unique per course so
	// each target has at most one quiz.
	TargetKey  string `gorm:"type:varchar(64);not null;index:uniq_quiz_target,unique,priority:2" json:"-"`
	Title      string `gorm:"type:varchar(255)" json:"title"`
	Questions  string `gorm:"type:text" json:"questions,omitempty"`
	Generation `gorm:"embedded"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Quiz) TableName() string { return "quizzes" }

// Validate checks that the quiz's owner ids match its type.
func (q *Quiz) Validate() error {
	switch q.Type {
	case QuizArticle:
		if q.ArticleID == nil {
			return fmt.Errorf("%w: article quiz needs an article", ErrQuizShape)
		}
	case QuizSection:
		if q.SectionID == nil || q.ArticleID != nil {
			return fmt.Errorf("%w: section quiz needs a section and no article", ErrQuizShape)
		}
	case QuizFinalExam:
		if q.SectionID != nil || q.ArticleID != nil {
			return fmt.Errorf("%w: final exam belongs to the course only", ErrQuizShape)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrQuizShape, q.Type)
	}
	return nil
}

// QuizTargetKey identifies the quiz slot a (type, section, article) triple
// fills within a course.
func QuizTargetKey(t QuizType, sectionID, articleID *uint64) string {
	switch t {
	case QuizArticle:
		if articleID != nil {
			return fmt.Sprintf("article:%d", *articleID)
		}
	case QuizSection:
		if sectionID != nil {
			return fmt.Sprintf("section:%d", *sectionID)
		}
	}
	return string(t)
}

func (q *Quiz) BeforeCreate(tx *gorm.DB) error {
	if err := q.Validate(); err != nil {
		return err
	}
	q.TargetKey = QuizTargetKey(q.Type, q.SectionID, q.ArticleID)
	if q.GenerationStatus == "" {
		q.GenerationStatus = StatusNotStarted
	}
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Course{}, &Section{}, &Article{}, &Quiz{})
}
