package grading_test

import (
	"context"
	"testing"

	"github.com/learnward/lms/internal/grading"
)

func TestChoiceSum(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{
		Type:   "multi_choice",
		Points: 10,
		ChoiceScores: map[string]float64{
			"c1": 5, "c2": 8, "c3": 0, "c4": -2,
		},
	}

	cases := []struct {
		name   string
		picked []string
		want   float64
	}{
		{"empty selection", nil, 0},
		{"single", []string{"c1"}, 5},
		{"partial credit sums", []string{"c1", "c3"}, 5},
		{"capped at question weight", []string{"c1", "c2"}, 10},
		{"negative contribution", []string{"c2", "c4"}, 6},
		{"unknown choice contributes nothing", []string{"nope"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := g.Grade(context.Background(), q, grading.Response{ChoiceIDs: tc.picked})
			if err != nil {
				t.Fatal(err)
			}
			if !res.Graded {
				t.Fatal("objective answer should be graded")
			}
			if res.Points != tc.want {
				t.Fatalf("points = %v, want %v", res.Points, tc.want)
			}
			if res.MaxPoints != 10 {
				t.Fatalf("max = %v, want 10", res.MaxPoints)
			}
		})
	}
}

func TestManualTypesStayUngraded(t *testing.T) {
	g := grading.NewDefaultGrader()
	for _, typ := range []string{"free_text", "file_upload"} {
		res, err := g.Grade(context.Background(), grading.Q{Type: typ, Points: 20},
			grading.Response{Text: "an essay", FileKey: "answers/a/q/f.pdf"})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if res.Graded {
			t.Fatalf("%s: manual type must stay ungraded", typ)
		}
		if res.Points != 0 || res.MaxPoints != 20 {
			t.Fatalf("%s: got %+v", typ, res)
		}
	}
}

func TestUnknownTypeErrors(t *testing.T) {
	g := grading.NewDefaultGrader()
	if _, err := g.Grade(context.Background(), grading.Q{Type: "match_pairs"}, grading.Response{}); err == nil {
		t.Fatal("want error for unknown question type")
	}
}
