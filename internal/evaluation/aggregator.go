// Package evaluation combines exam outcomes with an assessment-matrix outcome
// into one course-level verdict. It is a pure function of its inputs; loading
// the latest attempts and the assessment is the caller's job.
package evaluation

type Mode string

const (
	ModeNone           Mode = "none"
	ModeExamOnly       Mode = "exam_only"
	ModeAssessmentOnly Mode = "assessment_only"
	ModeCombined       Mode = "combined"
	ModeManual         Mode = "manual"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeExamOnly, ModeAssessmentOnly, ModeCombined, ModeManual:
		return true
	}
	return false
}

type Status string

const (
	StatusPassed    Status = "passed"
	StatusNotPassed Status = "not_passed"
	StatusUnknown   Status = "unknown"
)

// ExamResult is one exam's contribution: the user's most recent attempt score
// against the exam's passing grade. Score is nil when the user never finished
// an attempt; PassingGrade is nil when the exam sets no threshold. Passed is
// filled in by Evaluate.
type ExamResult struct {
	ExamID        string   `json:"exam_id"`
	Title         string   `json:"title,omitempty"`
	Mandatory     bool     `json:"is_mandatory"`
	AttemptNumber int      `json:"attempt_number,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	PassingGrade  *float64 `json:"passing_grade,omitempty"`
	Passed        *bool    `json:"passed,omitempty"`
}

// AssessmentResult is the matrix outcome for the (course, user) pair.
type AssessmentResult struct {
	Status     Status  `json:"status"`
	TotalScore float64 `json:"total_score"`
}

// Verdict is the full aggregator output: the final status plus the per-exam
// breakdown and assessment detail, so the decision is auditable rather than a
// black box.
type Verdict struct {
	Enabled         bool              `json:"enabled"`
	FinalStatus     Status            `json:"final_status,omitempty"`
	MandatoryFailed bool              `json:"mandatory_failed"`
	Exams           []ExamResult      `json:"exams"`
	Assessment      *AssessmentResult `json:"assessment,omitempty"`
}

// Evaluate dispatches on the course's evaluation mode.
//
// A mandatory exam only blocks the verdict when it failed explicitly: a nil
// Passed (no finished attempt, or no passing grade configured) is unknown,
// not a failure.
func Evaluate(mode Mode, exams []ExamResult, assessment *AssessmentResult) Verdict {
	for i := range exams {
		exams[i].Passed = passed(exams[i])
	}
	mandatoryFailed := false
	for _, er := range exams {
		if er.Mandatory && er.Passed != nil && !*er.Passed {
			mandatoryFailed = true
			break
		}
	}

	v := Verdict{
		Enabled:         mode != ModeNone,
		MandatoryFailed: mandatoryFailed,
		Exams:           exams,
		Assessment:      assessment,
	}

	switch mode {
	case ModeNone:
		// verdict disabled; breakdown still reported
	case ModeExamOnly:
		if mandatoryFailed {
			v.FinalStatus = StatusNotPassed
		} else {
			v.FinalStatus = StatusPassed
		}
	case ModeAssessmentOnly:
		v.FinalStatus = assessmentStatus(assessment)
	case ModeCombined:
		if mandatoryFailed {
			v.FinalStatus = StatusNotPassed
		} else {
			v.FinalStatus = assessmentStatus(assessment)
		}
	case ModeManual:
		v.FinalStatus = assessmentStatus(assessment)
	default:
		v.Enabled = false
	}
	return v
}

func passed(er ExamResult) *bool {
	if er.Score == nil || er.PassingGrade == nil {
		return nil
	}
	p := *er.Score >= *er.PassingGrade
	return &p
}

func assessmentStatus(a *AssessmentResult) Status {
	if a == nil || a.Status == "" {
		return StatusUnknown
	}
	return a.Status
}
