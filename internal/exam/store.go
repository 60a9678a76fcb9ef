package exam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnward/lms/internal/grading"
	"github.com/learnward/lms/internal/rbac"
)

// Store is the persistence surface of the attempt engine. Implementations
// must provide the uniqueness guarantees the state machine relies on:
// one attempt per (exam, user, attempt_number) and one answer row per
// (attempt, question).
type Store interface {
	rbac.Lookup

	GetCourse(ctx context.Context, id string) (Course, error)

	PutExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error)
	ListExams(ctx context.Context, courseID string) ([]Exam, error)

	// CreateAttempt allocates the next attempt number for (exam, user),
	// enforcing the exam's attempt limit atomically with the allocation.
	CreateAttempt(ctx context.Context, e Exam, userID string) (Attempt, error)
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error)
	// LatestAttempts returns, per exam of the course, the user's attempt with
	// the highest number.
	LatestAttempts(ctx context.Context, courseID, userID string) (map[string]Attempt, error)

	UpsertAnswers(ctx context.Context, attemptID string, answers []Answer) error
	GetAnswers(ctx context.Context, attemptID string) ([]Answer, error)
	GetAnswer(ctx context.Context, id string) (Answer, error)

	// FinishAttempt scores all recorded answers and completes the attempt in
	// one transaction. At most one caller wins the in_progress -> completed
	// transition; losers observe the already-completed attempt.
	FinishAttempt(ctx context.Context, attemptID string) (Attempt, error)
	// GradeAnswer sets a manual award. When the owning attempt is already
	// completed its cached scores are recomputed in the same transaction.
	GradeAnswer(ctx context.Context, answerID string, score float64) (Answer, error)

	UpsertAssessment(ctx context.Context, a Assessment) (Assessment, error)
	GetAssessment(ctx context.Context, courseID, userID string) (Assessment, error)
}

// MemoryStore backs tests and single-process dev runs. One mutex stands in
// for the SQL store's transactions and unique indexes.
type MemoryStore struct {
	mu           sync.Mutex
	grader       grading.Grader
	courses      map[string]Course
	participants map[string][]rbac.Role // courseID|userID -> roles
	exams        map[string]Exam
	attempts     map[string]Attempt
	answers      map[string]Answer // answerID -> answer
	assessments  map[string]Assessment
}

// NewMemoryStore returns an empty in-memory store. Seed courses and
// participants with SeedCourse / SeedParticipant before use.
func NewMemoryStore(grader grading.Grader) *MemoryStore {
	return &MemoryStore{
		grader:       grader,
		courses:      map[string]Course{},
		participants: map[string][]rbac.Role{},
		exams:        map[string]Exam{},
		attempts:     map[string]Attempt{},
		answers:      map[string]Answer{},
		assessments:  map[string]Assessment{},
	}
}

func partKey(courseID, userID string) string { return courseID + "|" + userID }

func (m *MemoryStore) SeedCourse(c Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

func (m *MemoryStore) SeedParticipant(courseID, userID string, roles ...rbac.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[partKey(courseID, userID)] = roles
}

func (m *MemoryStore) RolesOf(_ context.Context, courseID, userID string) (rbac.RoleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rbac.RoleSet(m.participants[partKey(courseID, userID)]), nil
}

func (m *MemoryStore) GetCourse(_ context.Context, id string) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) PutExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exams[e.ID] = e
	return nil
}

func (m *MemoryStore) GetExam(_ context.Context, id string) (Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) ListExams(_ context.Context, courseID string) ([]Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Exam
	for _, e := range m.exams {
		if e.CourseID == courseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateAttempt(_ context.Context, e Exam, userID string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior := 0
	for _, a := range m.attempts {
		if a.ExamID == e.ID && a.UserID == userID {
			prior++
		}
	}
	if e.AttemptLimit > 0 && prior >= e.AttemptLimit {
		return Attempt{}, fmt.Errorf("exam %s: %w", e.ID, ErrAttemptLimitExceeded)
	}
	a := Attempt{
		ID:        uuid.NewString(),
		ExamID:    e.ID,
		UserID:    userID,
		Number:    prior + 1,
		Status:    StatusInProgress,
		StartTime: time.Now().UTC(),
	}
	m.attempts[a.ID] = a
	return a, nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, opts AttemptListOpts) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if opts.ExamID != "" && a.ExamID != opts.ExamID {
			continue
		}
		if opts.UserID != "" && a.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && string(a.Status) != opts.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestAttempts(_ context.Context, courseID, userID string) (map[string]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]Attempt{}
	for _, a := range m.attempts {
		e, ok := m.exams[a.ExamID]
		if !ok || e.CourseID != courseID || a.UserID != userID {
			continue
		}
		if cur, ok := latest[a.ExamID]; !ok || a.Number > cur.Number {
			latest[a.ExamID] = a
		}
	}
	return latest, nil
}

func (m *MemoryStore) UpsertAnswers(_ context.Context, attemptID string, answers []Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[attemptID]; !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	for _, in := range answers {
		id := m.answerIDLocked(attemptID, in.QuestionID)
		if id == "" {
			id = uuid.NewString()
		}
		prev := m.answers[id]
		m.answers[id] = Answer{
			ID:         id,
			AttemptID:  attemptID,
			QuestionID: in.QuestionID,
			ChoiceIDs:  append([]string(nil), in.ChoiceIDs...),
			Text:       in.Text,
			FileKey:    in.FileKey,
			Score:      prev.Score,
			Graded:     prev.Graded,
		}
	}
	return nil
}

func (m *MemoryStore) answerIDLocked(attemptID, questionID string) string {
	for id, a := range m.answers {
		if a.AttemptID == attemptID && a.QuestionID == questionID {
			return id
		}
	}
	return ""
}

func (m *MemoryStore) GetAnswers(_ context.Context, attemptID string) ([]Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answersLocked(attemptID), nil
}

func (m *MemoryStore) answersLocked(attemptID string) []Answer {
	var out []Answer
	for _, a := range m.answers {
		if a.AttemptID == attemptID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

func (m *MemoryStore) GetAnswer(_ context.Context, id string) (Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.answers[id]
	if !ok {
		return Answer{}, fmt.Errorf("answer %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) FinishAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status == StatusCompleted {
		return a, nil
	}
	if a.Status != StatusInProgress {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	e, ok := m.exams[a.ExamID]
	if !ok {
		return Attempt{}, fmt.Errorf("exam %s: %w", a.ExamID, ErrNotFound)
	}

	byQuestion := questionIndex(e.Questions)
	for _, ans := range m.answersLocked(attemptID) {
		i, ok := byQuestion[ans.QuestionID]
		if !ok {
			continue
		}
		res, err := m.grader.Grade(ctx, gradingView(e.Questions[i]), gradingResponse(ans))
		if err != nil {
			return Attempt{}, err
		}
		if res.Graded {
			ans.Score = res.Points
			ans.Graded = true
			m.answers[ans.ID] = ans
		}
	}

	raw, norm := aggregate(e, m.answersLocked(attemptID))
	now := time.Now().UTC()
	a.Status = StatusCompleted
	a.Finished = true
	a.EndTime = &now
	a.RawScore = raw
	a.Score = norm
	m.attempts[attemptID] = a
	return a, nil
}

func (m *MemoryStore) GradeAnswer(_ context.Context, answerID string, score float64) (Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ans, ok := m.answers[answerID]
	if !ok {
		return Answer{}, fmt.Errorf("answer %s: %w", answerID, ErrNotFound)
	}
	ans.Score = score
	ans.Graded = true
	m.answers[ans.ID] = ans

	a := m.attempts[ans.AttemptID]
	if a.Status == StatusCompleted {
		if e, ok := m.exams[a.ExamID]; ok {
			a.RawScore, a.Score = aggregate(e, m.answersLocked(a.ID))
			m.attempts[a.ID] = a
		}
	}
	return ans, nil
}

func (m *MemoryStore) UpsertAssessment(_ context.Context, in Assessment) (Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := partKey(in.CourseID, in.UserID)
	if prev, ok := m.assessments[key]; ok {
		in.ID = prev.ID
	} else if in.ID == "" {
		in.ID = uuid.NewString()
	}
	m.assessments[key] = in
	return in, nil
}

func (m *MemoryStore) GetAssessment(_ context.Context, courseID, userID string) (Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[partKey(courseID, userID)]
	if !ok {
		return Assessment{}, fmt.Errorf("assessment %s/%s: %w", courseID, userID, ErrNotFound)
	}
	return a, nil
}

// gradingView projects a question into the grader's input shape.
func gradingView(q Question) grading.Q {
	scores := make(map[string]float64, len(q.Choices))
	for _, c := range q.Choices {
		scores[c.ID] = c.Score
	}
	return grading.Q{Type: string(q.Type), Points: q.Points, ChoiceScores: scores}
}

func gradingResponse(a Answer) grading.Response {
	return grading.Response{ChoiceIDs: a.ChoiceIDs, Text: a.Text, FileKey: a.FileKey}
}

// aggregate computes raw and normalized scores over all recorded answers
// against the exam's full question set.
func aggregate(e Exam, answers []Answer) (raw, normalized float64) {
	for _, a := range answers {
		raw += a.Score
	}
	if total := e.TotalPoints(); total > 0 {
		normalized = raw / total * 100
	}
	return raw, normalized
}
