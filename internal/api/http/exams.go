package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/learnward/lms/internal/exam"
	"github.com/learnward/lms/internal/rbac"
)

// PUT /exams — trainer authoring: the exam with its full question graph.
func UpsertExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e exam.Exam
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		saved, err := svc.UpsertExam(r.Context(), rbac.SubjectFromContext(r.Context()), e)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// GET /courses/{courseID}/exams
func ListExamsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := chi.URLParam(r, "courseID")
		exams, err := svc.ListExams(r.Context(), rbac.SubjectFromContext(r.Context()), courseID)
		if err != nil {
			writeError(w, err)
			return
		}
		// summaries only; question graphs are served per exam
		for i := range exams {
			exams[i].Questions = nil
		}
		writeJSON(w, http.StatusOK, exams)
	}
}

// GET /exams/{examID}/questions?attempt_id=...
//
// Branch-resolved when an attempt is given, root questions otherwise. The
// projection follows an explicit capability decision: instructors get choice
// scores, participants never do.
func GetVisibleQuestionsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		attemptID := strings.TrimSpace(r.URL.Query().Get("attempt_id"))
		sub := rbac.SubjectFromContext(r.Context())

		_, roles, err := svc.GetExamForViewer(r.Context(), sub, examID)
		if err != nil {
			writeError(w, err)
			return
		}
		qs, err := svc.VisibleQuestions(r.Context(), sub, examID, attemptID)
		if err != nil {
			writeError(w, err)
			return
		}
		if roles.Allows(rbac.CapExamAuthor) || roles.Allows(rbac.CapAnswerGrade) {
			writeJSON(w, http.StatusOK, instructorView(qs))
			return
		}
		writeJSON(w, http.StatusOK, participantView(qs))
	}
}

// GET /exams/{examID}/results?user_id=...
func GetResultsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		list, err := svc.Results(r.Context(), rbac.SubjectFromContext(r.Context()), examID, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
