package http

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/learnward/lms/internal/exam"
	"github.com/learnward/lms/internal/rbac"
	"github.com/learnward/lms/internal/storage"
)

// POST /exams/{examID}/attempts
func StartAttemptHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		a, err := svc.StartAttempt(r.Context(), rbac.SubjectFromContext(r.Context()), examID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"attempt_id":     a.ID,
			"attempt_number": a.Number,
		})
	}
}

// POST /attempts/{attemptID}/answers — idempotent autosave; repeat at will.
func RecordAnswersHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID := chi.URLParam(r, "attemptID")
		var req struct {
			Answers []exam.AnswerInput `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		err := svc.RecordAnswers(r.Context(), rbac.SubjectFromContext(r.Context()), attemptID, req.Answers)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

// POST /attempts/{attemptID}/answers/{questionID}/file
//
// The attempt and question are authorized first and yield the canonical blob
// key; only then do any bytes land in the store. Recording the answer is the
// same idempotent upsert as any other answer save.
func UploadAnswerFileHandler(svc *exam.Service, blobs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID := chi.URLParam(r, "attemptID")
		questionID := chi.URLParam(r, "questionID")
		sub := rbac.SubjectFromContext(r.Context())
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file required", http.StatusBadRequest)
			return
		}
		defer f.Close()
		key, err := svc.FileAnswerKey(r.Context(), sub, attemptID, questionID, filepath.Base(hdr.Filename))
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := blobs.Put(key, f); err != nil {
			http.Error(w, "store file: "+err.Error(), http.StatusInternalServerError)
			return
		}
		err = svc.RecordAnswers(r.Context(), sub, attemptID,
			[]exam.AnswerInput{{QuestionID: questionID, FileKey: key}})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"file_key": key})
	}
}

// GET /answers/{answerID}/file — streams the uploaded answer back to the
// attempt owner or a grader.
func DownloadAnswerFileHandler(svc *exam.Service, blobs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		answerID := chi.URLParam(r, "answerID")
		key, err := svc.AnswerFileKey(r.Context(), rbac.SubjectFromContext(r.Context()), answerID)
		if err != nil {
			writeError(w, err)
			return
		}
		rc, err := blobs.Get(key)
		if err != nil {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, rc); err != nil {
			log.Printf("api: stream answer file %s: %v", answerID, err)
		}
	}
}

// POST /attempts/{attemptID}/finish
func FinishAttemptHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID := chi.URLParam(r, "attemptID")
		a, err := svc.FinishAttempt(r.Context(), rbac.SubjectFromContext(r.Context()), attemptID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"score":     a.Score,
			"raw_score": a.RawScore,
		})
	}
}

// GET /attempts?exam_id=...&user_id=...&status=...&limit=50&offset=0
func ListAttemptsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := exam.AttemptListOpts{
			ExamID: strings.TrimSpace(r.URL.Query().Get("exam_id")),
			UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
			Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
		}
		list, err := svc.ListAttempts(r.Context(), rbac.SubjectFromContext(r.Context()), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
