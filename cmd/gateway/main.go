package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	api "github.com/learnward/lms/internal/api/http"
	"github.com/learnward/lms/internal/audit"
	auth "github.com/learnward/lms/internal/auth/middleware"
	"github.com/learnward/lms/internal/config"
	"github.com/learnward/lms/internal/db"
	"github.com/learnward/lms/internal/exam"
	"github.com/learnward/lms/internal/grading"
	"github.com/learnward/lms/internal/storage"
)

func main() {
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	if err := seedAdmin(ctx, dbh, cfg); err != nil {
		log.Fatalf("seed admin: %v", err)
	}

	store := exam.NewSQLStore(dbh, cfg.DBDriver, grading.NewDefaultGrader())
	svc := exam.NewService(store, audit.NewLog(dbh))
	authSvc := auth.NewAuthService(cfg.AuthSecret)

	blobs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc, dbh))

	// Authenticated API; capability checks live in the service layer, keyed
	// by the caller's roles in the relevant course.
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))

		pr.Put("/exams", api.UpsertExamHandler(svc))
		pr.Get("/courses/{courseID}/exams", api.ListExamsHandler(svc))
		pr.Get("/exams/{examID}/questions", api.GetVisibleQuestionsHandler(svc))
		pr.Get("/exams/{examID}/results", api.GetResultsHandler(svc))

		pr.Post("/exams/{examID}/attempts", api.StartAttemptHandler(svc))
		pr.Post("/attempts/{attemptID}/answers", api.RecordAnswersHandler(svc))
		pr.Post("/attempts/{attemptID}/answers/{questionID}/file", api.UploadAnswerFileHandler(svc, blobs))
		pr.Post("/attempts/{attemptID}/finish", api.FinishAttemptHandler(svc))
		pr.Get("/attempts", api.ListAttemptsHandler(svc))

		pr.Post("/answers/{answerID}/grade", api.GradeAnswerHandler(svc))
		pr.Get("/answers/{answerID}/file", api.DownloadAnswerFileHandler(svc, blobs))
		pr.Put("/courses/{courseID}/assessments/{userID}", api.UpsertAssessmentHandler(svc))
		pr.Get("/courses/{courseID}/evaluation", api.GetEvaluationHandler(svc))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// seedAdmin upserts the bootstrap login so a fresh deployment is reachable.
// Courses and participant roles arrive from the surrounding system.
func seedAdmin(ctx context.Context, dbh *sql.DB, cfg config.Config) error {
	if cfg.AdminPassHash == "" {
		return nil
	}
	_, err := dbh.ExecContext(ctx, `INSERT INTO users (id, username, password_hash)
		VALUES ($1,$2,$3)
		ON CONFLICT (username) DO UPDATE SET password_hash=EXCLUDED.password_hash`,
		uuid.NewString(), cfg.AdminUser, cfg.AdminPassHash)
	return err
}
