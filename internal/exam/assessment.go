package exam

import "github.com/learnward/lms/internal/evaluation"

// Course is the slice of course data the engine reads: identity and the
// evaluation policy. Course CRUD itself belongs to the surrounding system.
type Course struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	EvaluationMode evaluation.Mode `json:"evaluation_mode"`
}

// CriterionScore is one row of the assessment matrix.
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Note      string  `json:"note,omitempty"`
}

// Assessment is an assessor's manually-entered, multi-criterion scoring of a
// participant, independent of any exam. One per (course, user).
type Assessment struct {
	ID       string            `json:"id"`
	CourseID string            `json:"course_id"`
	UserID   string            `json:"user_id"`
	Status   evaluation.Status `json:"status"`
	Criteria []CriterionScore  `json:"criteria,omitempty"`
}

// TotalScore sums the per-criterion scores.
func (a Assessment) TotalScore() float64 {
	var sum float64
	for _, c := range a.Criteria {
		sum += c.Score
	}
	return sum
}
