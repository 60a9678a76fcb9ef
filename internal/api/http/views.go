package http

import "github.com/learnward/lms/internal/exam"

// Two explicit output projections. Which one a handler serves is an
// authorization decision made in the handler, not inside data shaping:
// participants must never see choice score contributions.

type ParticipantChoice struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Order int    `json:"order"`
}

type ParticipantQuestion struct {
	ID             string              `json:"id"`
	Text           string              `json:"text"`
	Type           exam.QuestionType   `json:"question_type"`
	Points         float64             `json:"points"`
	Required       bool                `json:"required"`
	Order          int                 `json:"order"`
	ParentQuestion string              `json:"parent_question,omitempty"`
	ParentChoice   string              `json:"parent_choice,omitempty"`
	Choices        []ParticipantChoice `json:"choices,omitempty"`
}

func participantView(qs []exam.Question) []ParticipantQuestion {
	out := make([]ParticipantQuestion, 0, len(qs))
	for _, q := range qs {
		pq := ParticipantQuestion{
			ID:             q.ID,
			Text:           q.Text,
			Type:           q.Type,
			Points:         q.Points,
			Required:       q.Required,
			Order:          q.Order,
			ParentQuestion: q.ParentQuestionID,
			ParentChoice:   q.ParentChoiceID,
		}
		for _, c := range q.Choices {
			pq.Choices = append(pq.Choices, ParticipantChoice{ID: c.ID, Text: c.Text, Order: c.Order})
		}
		out = append(out, pq)
	}
	return out
}

// instructorView is the full graph, choice scores included.
func instructorView(qs []exam.Question) []exam.Question { return qs }
