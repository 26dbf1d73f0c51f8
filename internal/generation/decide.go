package generation

// Stage is a generation step the orchestrator can enqueue.
type Stage string

const (
	StageOutline        Stage = "outline"
	StageArticleContent Stage = "article_content"
	StageArticleQuiz    Stage = "article_quiz"
	StageSectionQuiz    Stage = "section_quiz"
	StageFinalExam      Stage = "final_exam"
)

type Action string

const (
	ActionSkip    Action = "skip"
	ActionEnqueue Action = "enqueue"
)

// DecisionInput describes one target of one stage.
type DecisionInput struct {
	Stage Stage
	// HasSource reports whether the material the stage works from exists,
	// e.g. generated article content for an article quiz.
	HasSource bool
	// Exists reports whether the stage's output already exists.
	Exists bool
	// RegenerateOnly restricts the request to outputs that already exist.
	RegenerateOnly bool
	// Force enqueues whether or not the output exists.
	Force bool
}

// Decide is the generate-vs-regenerate table:
//
//	source  force  regenerateOnly  exists   action
//	no      -      -               -        skip
//	yes     yes    -               -        enqueue
//	yes     no     yes             yes      enqueue
//	yes     no     yes             no       skip
//	yes     no     no              yes      skip
//	yes     no     no              no       enqueue
func Decide(in DecisionInput) Action {
	switch {
	case !in.HasSource:
		return ActionSkip
	case in.Force:
		return ActionEnqueue
	case in.RegenerateOnly == in.Exists:
		return ActionEnqueue
	default:
		return ActionSkip
	}
}
