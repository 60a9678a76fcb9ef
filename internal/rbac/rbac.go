package rbac

import "context"

// Course-scoped roles. A user holds zero or more per course; all three count
// as course membership.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleTrainer     Role = "trainer"
	RoleAssessor    Role = "assessor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParticipant, RoleTrainer, RoleAssessor:
		return true
	}
	return false
}

// Capability is what an operation requires, declared once per operation
// instead of scattered role conditionals.
type Capability string

const (
	CapAttemptStart   Capability = "attempt:start"
	CapAttemptSave    Capability = "attempt:save"
	CapAttemptFinish  Capability = "attempt:finish"
	CapAttemptViewOwn Capability = "attempt:view-own"
	CapAttemptViewAll Capability = "attempt:view-all"
	CapExamAuthor     Capability = "exam:author"
	CapAnswerGrade    Capability = "answer:grade"
	CapAssessmentEdit Capability = "assessment:edit"
	CapEvaluationView Capability = "evaluation:view"
)

// RoleCapabilities is the default policy.
var RoleCapabilities = map[Role][]Capability{
	RoleParticipant: {
		CapAttemptStart,
		CapAttemptSave,
		CapAttemptFinish,
		CapAttemptViewOwn,
	},
	RoleTrainer: {
		CapExamAuthor,
		CapAnswerGrade,
		CapAttemptViewAll,
		CapEvaluationView,
	},
	RoleAssessor: {
		CapAnswerGrade,
		CapAssessmentEdit,
		CapAttemptViewAll,
		CapEvaluationView,
	},
}

// RoleSet is a user's resolved roles within one course.
type RoleSet []Role

func (rs RoleSet) Empty() bool { return len(rs) == 0 }

func (rs RoleSet) Has(r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// Allows reports whether any held role grants the capability.
func (rs RoleSet) Allows(cap Capability) bool {
	for _, r := range rs {
		for _, c := range RoleCapabilities[r] {
			if c == cap {
				return true
			}
		}
	}
	return false
}

// Lookup resolves a user's roles in a course. Implemented by the store over
// the course_participants table; tests use map-backed fakes.
type Lookup interface {
	RolesOf(ctx context.Context, courseID, userID string) (RoleSet, error)
}

// ---- subject in context ----

type ctxKey struct{}

var ctxKeySubject = ctxKey{}

func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, sub)
}

func SubjectFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxKeySubject); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
