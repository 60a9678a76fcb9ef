package grading

import (
	"context"
	"fmt"
)

// Q is the minimal view of a question needed for grading: its type, its
// weight, and the score each of its choices contributes when selected.
type Q struct {
	Type         string
	Points       float64
	ChoiceScores map[string]float64 // choice ID -> score contribution
}

// Response is one recorded answer as the grader sees it.
type Response struct {
	ChoiceIDs []string
	Text      string
	FileKey   string
}

// Result is the outcome of grading a single answer.
type Result struct {
	Points    float64 // awarded points
	MaxPoints float64 // the question's weight
	Graded    bool    // false when manual review is still required
}

// Strategy grades one answer against one question.
type Strategy interface {
	Grade(ctx context.Context, q Q, resp Response) (Result, error)
}

// Grader routes by question type to the right Strategy.
type Grader interface {
	Grade(ctx context.Context, q Q, resp Response) (Result, error)
}

type defaultGrader struct {
	strategies map[string]Strategy
}

func (g *defaultGrader) Grade(ctx context.Context, q Q, resp Response) (Result, error) {
	s, ok := g.strategies[q.Type]
	if !ok {
		return Result{}, fmt.Errorf("no grading strategy for question type %q", q.Type)
	}
	return s.Grade(ctx, q, resp)
}

// NewDefaultGrader installs the built-in strategies: the objective choice
// types auto-score from choice contributions; essay and file answers are
// deferred to manual grading.
func NewDefaultGrader() Grader {
	return &defaultGrader{
		strategies: map[string]Strategy{
			"single_choice": choiceSumStrategy{},
			"multi_choice":  choiceSumStrategy{},
			"dropdown":      choiceSumStrategy{},
			"true_false":    choiceSumStrategy{},
			"free_text":     manualStrategy{},
			"file_upload":   manualStrategy{},
		},
	}
}

// choiceSumStrategy awards the sum of the selected choices' score
// contributions, capped at the question's weight. Choices are not binary
// right/wrong; partial-credit contributions add up.
type choiceSumStrategy struct{}

func (choiceSumStrategy) Grade(_ context.Context, q Q, resp Response) (Result, error) {
	var sum float64
	for _, id := range resp.ChoiceIDs {
		sum += q.ChoiceScores[id]
	}
	if sum > q.Points {
		sum = q.Points
	}
	return Result{Points: sum, MaxPoints: q.Points, Graded: true}, nil
}

// manualStrategy leaves the answer at its current award and ungraded; a
// trainer or assessor scores it later.
type manualStrategy struct{}

func (manualStrategy) Grade(_ context.Context, q Q, _ Response) (Result, error) {
	return Result{MaxPoints: q.Points, Graded: false}, nil
}
