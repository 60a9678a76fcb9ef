package exam

import "time"

type QuestionType string

const (
	TypeSingleChoice QuestionType = "single_choice"
	TypeMultiChoice  QuestionType = "multi_choice"
	TypeDropdown     QuestionType = "dropdown"
	TypeTrueFalse    QuestionType = "true_false"
	TypeFreeText     QuestionType = "free_text"
	TypeFileUpload   QuestionType = "file_upload"
)

// Objective reports whether answers of this type are auto-scored at finish
// time. Free-text and file answers wait for manual grading.
func (t QuestionType) Objective() bool {
	switch t {
	case TypeSingleChoice, TypeMultiChoice, TypeDropdown, TypeTrueFalse:
		return true
	}
	return false
}

func (t QuestionType) Valid() bool {
	switch t {
	case TypeSingleChoice, TypeMultiChoice, TypeDropdown, TypeTrueFalse, TypeFreeText, TypeFileUpload:
		return true
	}
	return false
}

type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
	StatusAbandoned  AttemptStatus = "abandoned"
)

// Terminal states accept no further answer or finish operations.
func (s AttemptStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

type Choice struct {
	ID         string  `json:"id"`
	QuestionID string  `json:"question_id,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"` // instructor-only; stripped in participant views
	Order      int     `json:"order"`
}

type Question struct {
	ID               string       `json:"id"`
	ExamID           string       `json:"exam_id,omitempty"`
	Text             string       `json:"text"`
	Type             QuestionType `json:"question_type"`
	Points           float64      `json:"points"`
	Required         bool         `json:"required"`
	Order            int          `json:"order"`
	ParentQuestionID string       `json:"parent_question,omitempty"` // empty: root question
	ParentChoiceID   string       `json:"parent_choice,omitempty"`
	Choices          []Choice     `json:"choices,omitempty"`
}

// Root reports whether the question is always visible (no branching parent).
func (q Question) Root() bool { return q.ParentQuestionID == "" }

type Exam struct {
	ID                  string     `json:"id"`
	CourseID            string     `json:"course_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	StartTime           *time.Time `json:"start_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	DurationMinutes     int        `json:"duration_minutes"`
	AttemptLimit        int        `json:"attempt_limit"` // 0 = unlimited
	PassingGrade        *float64   `json:"passing_grade,omitempty"`
	ShuffleQuestions    bool       `json:"shuffle_questions"`
	ShuffleChoices      bool       `json:"shuffle_choices"`
	RandomQuestionCount int        `json:"random_question_count,omitempty"` // 0 = all
	IsMandatory         bool       `json:"is_mandatory"`
	IsActive            bool       `json:"is_active"`
	Questions           []Question `json:"questions,omitempty"`
}

// Open reports whether attempts may be started at t. A schedule window, when
// set, overrides the active flag.
func (e Exam) Open(t time.Time) bool {
	if e.StartTime != nil && e.EndTime != nil {
		return !t.Before(*e.StartTime) && !t.After(*e.EndTime)
	}
	return e.IsActive
}

// TotalPoints sums points over the full question set, regardless of branch
// visibility. Unseen questions still widen the scoring denominator.
func (e Exam) TotalPoints() float64 {
	var sum float64
	for _, q := range e.Questions {
		sum += q.Points
	}
	return sum
}

type Attempt struct {
	ID        string        `json:"id"`
	ExamID    string        `json:"exam_id"`
	UserID    string        `json:"user_id"`
	Number    int           `json:"attempt_number"`
	Status    AttemptStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	RawScore  float64       `json:"raw_score"`
	Score     float64       `json:"score"` // 0-100
	Finished  bool          `json:"finished"`
}

type Answer struct {
	ID         string   `json:"id"`
	AttemptID  string   `json:"attempt_id"`
	QuestionID string   `json:"question_id"`
	ChoiceIDs  []string `json:"choice_ids,omitempty"`
	Text       string   `json:"text,omitempty"`
	FileKey    string   `json:"file_key,omitempty"` // blob store reference
	Score      float64  `json:"score"`
	Graded     bool     `json:"graded"`
}

// AnswerInput is one submitted answer in a RecordAnswers payload.
type AnswerInput struct {
	QuestionID string   `json:"question_id"`
	ChoiceIDs  []string `json:"choice_ids,omitempty"`
	Text       string   `json:"text,omitempty"`
	FileKey    string   `json:"file_key,omitempty"`
}

type AttemptListOpts struct {
	ExamID string
	UserID string
	Status string
	Limit  int
	Offset int
}
