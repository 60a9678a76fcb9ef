package exam

import (
	"fmt"
	"sort"
)

// The question graph is the substrate the resolver and scorer query against:
// an exam's questions in presentation order, each with its choices, plus the
// parent/child branching edges. Branching edges must form a forest.

// SortQuestions orders questions by their order field ascending with a stable
// ID tie-break, and each question's choices likewise.
func SortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Order != qs[j].Order {
			return qs[i].Order < qs[j].Order
		}
		return qs[i].ID < qs[j].ID
	})
	for i := range qs {
		cs := qs[i].Choices
		sort.SliceStable(cs, func(a, b int) bool {
			if cs[a].Order != cs[b].Order {
				return cs[a].Order < cs[b].Order
			}
			return cs[a].ID < cs[b].ID
		})
	}
}

// ValidateQuestions enforces the write-time graph invariants:
//   - question types are known and points are non-negative
//   - parent_question and parent_choice are set together
//   - the parent question exists in the same exam
//   - the parent choice belongs to the parent question
//   - parent edges contain no cycle (the graph is a forest)
func ValidateQuestions(qs []Question) error {
	byID := make(map[string]Question, len(qs))
	for _, q := range qs {
		if !q.Type.Valid() {
			return fmt.Errorf("%w: question %s: unknown type %q", ErrValidation, q.ID, q.Type)
		}
		if q.Points < 0 {
			return fmt.Errorf("%w: question %s: negative points", ErrValidation, q.ID)
		}
		if _, dup := byID[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrValidation, q.ID)
		}
		byID[q.ID] = q
	}
	for _, q := range qs {
		if q.Root() {
			if q.ParentChoiceID != "" {
				return fmt.Errorf("%w: question %s: parent_choice without parent_question", ErrValidation, q.ID)
			}
			continue
		}
		if q.ParentChoiceID == "" {
			return fmt.Errorf("%w: question %s: parent_question without parent_choice", ErrValidation, q.ID)
		}
		parent, ok := byID[q.ParentQuestionID]
		if !ok {
			return fmt.Errorf("%w: question %s: parent question %s not in exam", ErrValidation, q.ID, q.ParentQuestionID)
		}
		if !questionHasChoice(parent, q.ParentChoiceID) {
			return fmt.Errorf("%w: question %s: choice %s does not belong to parent question %s",
				ErrValidation, q.ID, q.ParentChoiceID, q.ParentQuestionID)
		}
	}
	return validateAcyclic(byID)
}

func questionHasChoice(q Question, choiceID string) bool {
	for _, c := range q.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}

// validateAcyclic walks each parent chain; a chain longer than the question
// count means the edges loop.
func validateAcyclic(byID map[string]Question) error {
	for id := range byID {
		steps := 0
		cur := id
		for {
			q := byID[cur]
			if q.Root() {
				break
			}
			steps++
			if steps > len(byID) {
				return fmt.Errorf("%w: branching cycle through question %s", ErrValidation, id)
			}
			cur = q.ParentQuestionID
		}
	}
	return nil
}

// questionIndex maps question ID to its position in the exam's question set.
func questionIndex(qs []Question) map[string]int {
	m := make(map[string]int, len(qs))
	for i, q := range qs {
		m[q.ID] = i
	}
	return m
}
