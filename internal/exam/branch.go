package exam

import "math/rand"

// VisibleQuestions computes the questions a participant should currently see.
//
// Starting from the root questions, a branching question joins the visible set
// once its parent question is visible and its gating choice appears among the
// attempt's selected choices. The loop runs to a fixed point so multi-level
// chains resolve in one call; it terminates because the parent edges form a
// finite forest. With no recorded answers the result is exactly the roots.
//
// Shuffling and random truncation are presentation concerns applied at the
// end: scoring never depends on the returned order or subset. Truncation
// happens after branch expansion so a kept question never dangles without the
// parent that revealed it having had a chance to resolve first.
func VisibleQuestions(e Exam, answers []Answer, rng *rand.Rand) []Question {
	selected := make(map[string]bool)
	for _, a := range answers {
		for _, cid := range a.ChoiceIDs {
			selected[cid] = true
		}
	}

	visible := make(map[string]bool, len(e.Questions))
	for {
		added := false
		for _, q := range e.Questions {
			if visible[q.ID] {
				continue
			}
			if q.Root() || (visible[q.ParentQuestionID] && selected[q.ParentChoiceID]) {
				visible[q.ID] = true
				added = true
			}
		}
		if !added {
			break
		}
	}

	// The result is sorted and possibly shuffled in place, so each question's
	// choice slice is copied: the exam may be shared across requests.
	out := make([]Question, 0, len(visible))
	for _, q := range e.Questions {
		if visible[q.ID] {
			q.Choices = append([]Choice(nil), q.Choices...)
			out = append(out, q)
		}
	}
	SortQuestions(out)

	if e.ShuffleQuestions && rng != nil {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if e.ShuffleChoices && rng != nil {
		for i := range out {
			cs := out[i].Choices
			rng.Shuffle(len(cs), func(a, b int) { cs[a], cs[b] = cs[b], cs[a] })
		}
	}
	if n := e.RandomQuestionCount; n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// RootQuestions is the no-attempt view used before an attempt starts.
func RootQuestions(e Exam) []Question {
	return VisibleQuestions(e, nil, nil)
}
