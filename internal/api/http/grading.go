package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/learnward/lms/internal/evaluation"
	"github.com/learnward/lms/internal/exam"
	"github.com/learnward/lms/internal/rbac"
)

// POST /answers/{answerID}/grade — manual award for essay and file answers,
// trainer/assessor only. Grading a completed attempt recomputes its scores.
func GradeAnswerHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		answerID := chi.URLParam(r, "answerID")
		var req struct {
			Score float64 `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		ans, err := svc.GradeAnswer(r.Context(), rbac.SubjectFromContext(r.Context()), answerID, req.Score)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

// PUT /courses/{courseID}/assessments/{userID} — assessor records the matrix.
func UpsertAssessmentHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status   evaluation.Status     `json:"status"`
			Criteria []exam.CriterionScore `json:"criteria"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		a, err := svc.UpsertAssessment(r.Context(), rbac.SubjectFromContext(r.Context()), exam.Assessment{
			CourseID: chi.URLParam(r, "courseID"),
			UserID:   chi.URLParam(r, "userID"),
			Status:   req.Status,
			Criteria: req.Criteria,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// GET /courses/{courseID}/evaluation?user_id=... — the aggregated verdict.
// user_id defaults to the caller.
func GetEvaluationHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := rbac.SubjectFromContext(r.Context())
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			userID = sub
		}
		v, err := svc.Evaluate(r.Context(), sub, chi.URLParam(r, "courseID"), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}
