package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/learnward/lms/internal/audit"
	"github.com/learnward/lms/internal/evaluation"
	"github.com/learnward/lms/internal/rbac"
	"github.com/learnward/lms/internal/storage"
)

// Service is the attempt state machine plus the authorization preconditions
// around it. Each operation declares the capability it requires and resolves
// the caller's course roles once, up front.
type Service struct {
	store Store
	audit *audit.Log
	now   func() time.Time
}

func NewService(store Store, auditLog *audit.Log) *Service {
	return &Service{
		store: store,
		audit: auditLog,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// StartAttempt opens a new attempt for the caller on an open exam, allocating
// the next attempt number. The store makes the allocation race-safe.
func (s *Service) StartAttempt(ctx context.Context, userID, examID string) (Attempt, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return Attempt{}, err
	}
	if err := s.require(ctx, e.CourseID, userID, rbac.CapAttemptStart); err != nil {
		return Attempt{}, err
	}
	if !e.Open(s.now()) {
		return Attempt{}, fmt.Errorf("exam %s: %w", examID, ErrExamClosed)
	}
	a, err := s.store.CreateAttempt(ctx, e, userID)
	if err != nil {
		return Attempt{}, err
	}
	s.audit.Record(ctx, audit.EventAttemptStarted, a.ID, a)
	return a, nil
}

// VisibleQuestions returns the branch-resolved question set for an attempt,
// or just the root questions when attemptID is empty.
func (s *Service) VisibleQuestions(ctx context.Context, userID, examID, attemptID string) ([]Question, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.RolesOf(ctx, e.CourseID, userID)
	if err != nil {
		return nil, err
	}
	if roles.Empty() {
		return nil, fmt.Errorf("course %s: %w", e.CourseID, ErrForbidden)
	}
	if attemptID == "" {
		return RootQuestions(e), nil
	}
	a, err := s.ownedAttempt(ctx, userID, attemptID, roles)
	if err != nil {
		return nil, err
	}
	if a.ExamID != examID {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	answers, err := s.store.GetAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	// Requests are independent: each shuffle gets its own source rather than
	// sharing one unsynchronized rand across goroutines.
	rng := rand.New(rand.NewSource(s.now().UnixNano()))
	return VisibleQuestions(e, answers, rng), nil
}

// RecordAnswers upserts the submitted answers. Repeating the call with the
// same payload leaves the stored state unchanged (autosave semantics).
// Choice IDs that do not belong to their question are dropped, not errored.
func (s *Service) RecordAnswers(ctx context.Context, userID, attemptID string, inputs []AnswerInput) error {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status != StatusInProgress {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	e, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, e.CourseID, userID, rbac.CapAttemptSave); err != nil {
		return err
	}

	byQuestion := questionIndex(e.Questions)
	answers := make([]Answer, 0, len(inputs))
	for _, in := range inputs {
		i, ok := byQuestion[in.QuestionID]
		if !ok {
			return fmt.Errorf("question %s: %w", in.QuestionID, ErrUnknownQuestion)
		}
		q := e.Questions[i]
		answers = append(answers, Answer{
			QuestionID: q.ID,
			ChoiceIDs:  filterChoices(q, in.ChoiceIDs),
			Text:       in.Text,
			FileKey:    in.FileKey,
		})
	}
	return s.store.UpsertAnswers(ctx, attemptID, answers)
}

// FileAnswerKey authorizes a file-upload save and returns the canonical blob
// key for it. Nothing may land in the blob store before this passes: the
// attempt must be the caller's and in progress, and the question must take a
// file answer.
func (s *Service) FileAnswerKey(ctx context.Context, userID, attemptID, questionID, filename string) (string, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if a.UserID != userID {
		return "", fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status != StatusInProgress {
		return "", fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	e, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return "", err
	}
	if err := s.require(ctx, e.CourseID, userID, rbac.CapAttemptSave); err != nil {
		return "", err
	}
	i, ok := questionIndex(e.Questions)[questionID]
	if !ok {
		return "", fmt.Errorf("question %s: %w", questionID, ErrUnknownQuestion)
	}
	if e.Questions[i].Type != TypeFileUpload {
		return "", fmt.Errorf("%w: question %s does not take a file answer", ErrValidation, questionID)
	}
	key := storage.AnswerKey(attemptID, questionID, filename)
	if !storage.ValidKey(key) {
		return "", fmt.Errorf("%w: bad file name %q", ErrValidation, filename)
	}
	return key, nil
}

// AnswerFileKey resolves the blob key of an answer's uploaded file for a
// viewer allowed to read it: the attempt owner or a grader.
func (s *Service) AnswerFileKey(ctx context.Context, viewerID, answerID string) (string, error) {
	ans, err := s.store.GetAnswer(ctx, answerID)
	if err != nil {
		return "", err
	}
	a, err := s.store.GetAttempt(ctx, ans.AttemptID)
	if err != nil {
		return "", err
	}
	if a.UserID != viewerID {
		e, err := s.store.GetExam(ctx, a.ExamID)
		if err != nil {
			return "", err
		}
		if err := s.require(ctx, e.CourseID, viewerID, rbac.CapAnswerGrade); err != nil {
			return "", err
		}
	}
	if ans.FileKey == "" {
		return "", fmt.Errorf("answer %s has no file: %w", answerID, ErrNotFound)
	}
	return ans.FileKey, nil
}

// FinishAttempt scores the attempt and completes it. Calling it on an
// already-completed attempt returns the recorded result unchanged.
func (s *Service) FinishAttempt(ctx context.Context, userID, attemptID string) (Attempt, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if a.UserID != userID {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status == StatusCompleted {
		return a, nil
	}
	if a.Status.Terminal() {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	e, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Attempt{}, err
	}
	if err := s.require(ctx, e.CourseID, userID, rbac.CapAttemptFinish); err != nil {
		return Attempt{}, err
	}
	done, err := s.store.FinishAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	s.audit.Record(ctx, audit.EventAttemptFinished, done.ID, done)
	return done, nil
}

// GradeAnswer records a manual award on one answer. Grading after the attempt
// completed recomputes the attempt's cached scores rather than going stale.
func (s *Service) GradeAnswer(ctx context.Context, graderID, answerID string, score float64) (Answer, error) {
	ans, err := s.store.GetAnswer(ctx, answerID)
	if err != nil {
		return Answer{}, err
	}
	a, err := s.store.GetAttempt(ctx, ans.AttemptID)
	if err != nil {
		return Answer{}, err
	}
	e, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return Answer{}, err
	}
	if err := s.require(ctx, e.CourseID, graderID, rbac.CapAnswerGrade); err != nil {
		return Answer{}, err
	}
	i, ok := questionIndex(e.Questions)[ans.QuestionID]
	if !ok {
		return Answer{}, fmt.Errorf("question %s: %w", ans.QuestionID, ErrNotFound)
	}
	if score < 0 || score > e.Questions[i].Points {
		return Answer{}, fmt.Errorf("%w: score %.2f outside [0, %.2f]", ErrValidation, score, e.Questions[i].Points)
	}
	graded, err := s.store.GradeAnswer(ctx, answerID, score)
	if err != nil {
		return Answer{}, err
	}
	s.audit.Record(ctx, audit.EventAnswerGraded, graded.ID, graded)
	return graded, nil
}

// Results lists attempt summaries for an exam. Participants see their own;
// trainers and assessors see everyone's.
func (s *Service) Results(ctx context.Context, viewerID, examID, userID string) ([]Attempt, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.RolesOf(ctx, e.CourseID, viewerID)
	if err != nil {
		return nil, err
	}
	if !roles.Allows(rbac.CapAttemptViewAll) {
		if !roles.Allows(rbac.CapAttemptViewOwn) {
			return nil, fmt.Errorf("course %s: %w", e.CourseID, ErrForbidden)
		}
		userID = viewerID
	}
	return s.store.ListAttempts(ctx, AttemptListOpts{ExamID: examID, UserID: userID})
}

// ListAttempts is the instructor/participant attempt listing; callers without
// the view-all capability are scoped down to their own attempts.
func (s *Service) ListAttempts(ctx context.Context, viewerID string, opts AttemptListOpts) ([]Attempt, error) {
	if opts.ExamID == "" {
		return nil, fmt.Errorf("%w: exam_id required", ErrValidation)
	}
	e, err := s.store.GetExam(ctx, opts.ExamID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.RolesOf(ctx, e.CourseID, viewerID)
	if err != nil {
		return nil, err
	}
	if !roles.Allows(rbac.CapAttemptViewAll) {
		if !roles.Allows(rbac.CapAttemptViewOwn) {
			return nil, fmt.Errorf("course %s: %w", e.CourseID, ErrForbidden)
		}
		opts.UserID = viewerID
	}
	return s.store.ListAttempts(ctx, opts)
}

// UpsertExam creates or replaces an exam with its question graph, validating
// branching references before anything is written.
func (s *Service) UpsertExam(ctx context.Context, actorID string, e Exam) (Exam, error) {
	if e.CourseID == "" {
		return Exam{}, fmt.Errorf("%w: course_id required", ErrValidation)
	}
	if _, err := s.store.GetCourse(ctx, e.CourseID); err != nil {
		return Exam{}, err
	}
	if err := s.require(ctx, e.CourseID, actorID, rbac.CapExamAuthor); err != nil {
		return Exam{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	for qi := range e.Questions {
		q := &e.Questions[qi]
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.ExamID = e.ID
		for ci := range q.Choices {
			if q.Choices[ci].ID == "" {
				q.Choices[ci].ID = uuid.NewString()
			}
			q.Choices[ci].QuestionID = q.ID
		}
	}
	if err := ValidateQuestions(e.Questions); err != nil {
		return Exam{}, err
	}
	SortQuestions(e.Questions)
	if err := s.store.PutExam(ctx, e); err != nil {
		return Exam{}, err
	}
	return e, nil
}

// ListExams returns the course's exams to any course member.
func (s *Service) ListExams(ctx context.Context, userID, courseID string) ([]Exam, error) {
	roles, err := s.store.RolesOf(ctx, courseID, userID)
	if err != nil {
		return nil, err
	}
	if roles.Empty() {
		return nil, fmt.Errorf("course %s: %w", courseID, ErrForbidden)
	}
	return s.store.ListExams(ctx, courseID)
}

// GetExamForViewer loads an exam, enforcing course membership.
func (s *Service) GetExamForViewer(ctx context.Context, viewerID, examID string) (Exam, rbac.RoleSet, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return Exam{}, nil, err
	}
	roles, err := s.store.RolesOf(ctx, e.CourseID, viewerID)
	if err != nil {
		return Exam{}, nil, err
	}
	if roles.Empty() {
		return Exam{}, nil, fmt.Errorf("course %s: %w", e.CourseID, ErrForbidden)
	}
	return e, roles, nil
}

// UpsertAssessment records the assessment matrix for a participant. The
// target must already hold participant standing; assessments are never
// created as a side effect for unknown users.
func (s *Service) UpsertAssessment(ctx context.Context, actorID string, in Assessment) (Assessment, error) {
	if _, err := s.store.GetCourse(ctx, in.CourseID); err != nil {
		return Assessment{}, err
	}
	if err := s.require(ctx, in.CourseID, actorID, rbac.CapAssessmentEdit); err != nil {
		return Assessment{}, err
	}
	target, err := s.store.RolesOf(ctx, in.CourseID, in.UserID)
	if err != nil {
		return Assessment{}, err
	}
	if !target.Has(rbac.RoleParticipant) {
		return Assessment{}, fmt.Errorf("%w: user %s is not a participant of course %s", ErrValidation, in.UserID, in.CourseID)
	}
	switch in.Status {
	case evaluation.StatusPassed, evaluation.StatusNotPassed, evaluation.StatusUnknown:
	default:
		return Assessment{}, fmt.Errorf("%w: unknown assessment status %q", ErrValidation, in.Status)
	}
	return s.store.UpsertAssessment(ctx, in)
}

// Evaluate produces the course-level verdict for one user. Participants may
// read their own; trainers and assessors may read anyone's.
func (s *Service) Evaluate(ctx context.Context, viewerID, courseID, userID string) (evaluation.Verdict, error) {
	c, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return evaluation.Verdict{}, err
	}
	if viewerID != userID {
		if err := s.require(ctx, courseID, viewerID, rbac.CapEvaluationView); err != nil {
			return evaluation.Verdict{}, err
		}
	} else {
		roles, err := s.store.RolesOf(ctx, courseID, viewerID)
		if err != nil {
			return evaluation.Verdict{}, err
		}
		if roles.Empty() {
			return evaluation.Verdict{}, fmt.Errorf("course %s: %w", courseID, ErrForbidden)
		}
	}

	exams, err := s.store.ListExams(ctx, courseID)
	if err != nil {
		return evaluation.Verdict{}, err
	}
	latest, err := s.store.LatestAttempts(ctx, courseID, userID)
	if err != nil {
		return evaluation.Verdict{}, err
	}
	results := make([]evaluation.ExamResult, 0, len(exams))
	for _, e := range exams {
		er := evaluation.ExamResult{
			ExamID:       e.ID,
			Title:        e.Title,
			Mandatory:    e.IsMandatory,
			PassingGrade: e.PassingGrade,
		}
		if a, ok := latest[e.ID]; ok {
			er.AttemptNumber = a.Number
			if a.Finished {
				score := a.Score
				er.Score = &score
			}
		}
		results = append(results, er)
	}

	var assessment *evaluation.AssessmentResult
	if a, err := s.store.GetAssessment(ctx, courseID, userID); err == nil {
		assessment = &evaluation.AssessmentResult{Status: a.Status, TotalScore: a.TotalScore()}
	} else if !isNotFound(err) {
		return evaluation.Verdict{}, err
	}

	return evaluation.Evaluate(c.EvaluationMode, results, assessment), nil
}

func (s *Service) require(ctx context.Context, courseID, userID string, c rbac.Capability) error {
	roles, err := s.store.RolesOf(ctx, courseID, userID)
	if err != nil {
		return err
	}
	if !roles.Allows(c) {
		return fmt.Errorf("course %s: %w", courseID, ErrForbidden)
	}
	return nil
}

// ownedAttempt loads an attempt the viewer may read: their own, or any when
// they hold the view-all capability.
func (s *Service) ownedAttempt(ctx context.Context, viewerID, attemptID string, roles rbac.RoleSet) (Attempt, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if a.UserID != viewerID && !roles.Allows(rbac.CapAttemptViewAll) {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return a, nil
}

func filterChoices(q Question, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	valid := make(map[string]bool, len(q.Choices))
	for _, c := range q.Choices {
		valid[c.ID] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if valid[id] {
			out = append(out, id)
		}
	}
	return out
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
