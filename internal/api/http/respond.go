package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/learnward/lms/internal/exam"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds onto HTTP statuses. Unknown errors are
// logged and hidden behind a 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exam.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, exam.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, exam.ErrExamClosed),
		errors.Is(err, exam.ErrAttemptLimitExceeded),
		errors.Is(err, exam.ErrAttemptFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, exam.ErrValidation),
		errors.Is(err, exam.ErrUnknownQuestion):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("api: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
