package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/learnward/lms/internal/grading"
	"github.com/learnward/lms/internal/rbac"
)

// SQLStore persists the engine over database/sql. It works against both the
// sqlite and postgres schemas; placeholders use the $n form both drivers
// accept. Race safety comes from the unique indexes plus small transactions,
// not from in-process locks.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	grader grading.Grader
}

func NewSQLStore(db *sql.DB, driver string, grader grading.Grader) *SQLStore {
	return &SQLStore{db: db, driver: driver, grader: grader}
}

func (s *SQLStore) RolesOf(ctx context.Context, courseID, userID string) (rbac.RoleSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role FROM course_participants WHERE course_id=$1 AND user_id=$2`, courseID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var set rbac.RoleSet
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		set = append(set, rbac.Role(r))
	}
	return set, rows.Err()
}

func (s *SQLStore) GetCourse(ctx context.Context, id string) (Course, error) {
	var c Course
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, evaluation_mode FROM courses WHERE id=$1`, id).
		Scan(&c.ID, &c.Title, &c.EvaluationMode)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO exams
		(id, course_id, title, description, start_time, end_time, duration_minutes,
		 attempt_limit, passing_grade, shuffle_questions, shuffle_choices,
		 random_question_count, is_mandatory, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
		  course_id=EXCLUDED.course_id, title=EXCLUDED.title,
		  description=EXCLUDED.description, start_time=EXCLUDED.start_time,
		  end_time=EXCLUDED.end_time, duration_minutes=EXCLUDED.duration_minutes,
		  attempt_limit=EXCLUDED.attempt_limit, passing_grade=EXCLUDED.passing_grade,
		  shuffle_questions=EXCLUDED.shuffle_questions,
		  shuffle_choices=EXCLUDED.shuffle_choices,
		  random_question_count=EXCLUDED.random_question_count,
		  is_mandatory=EXCLUDED.is_mandatory, is_active=EXCLUDED.is_active`,
		e.ID, e.CourseID, e.Title, e.Description,
		unixPtr(e.StartTime), unixPtr(e.EndTime), e.DurationMinutes,
		e.AttemptLimit, e.PassingGrade, b2i(e.ShuffleQuestions), b2i(e.ShuffleChoices),
		e.RandomQuestionCount, b2i(e.IsMandatory), b2i(e.IsActive))
	if err != nil {
		return err
	}

	// Authoring replaces the whole question graph; choices cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id=$1`, e.ID); err != nil {
		return err
	}
	for _, q := range e.Questions {
		_, err := tx.ExecContext(ctx, `INSERT INTO questions
			(id, exam_id, text, question_type, points, required, ord, parent_question_id, parent_choice_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			q.ID, e.ID, q.Text, string(q.Type), q.Points, b2i(q.Required), q.Order,
			nullStr(q.ParentQuestionID), nullStr(q.ParentChoiceID))
		if err != nil {
			return err
		}
		for _, c := range q.Choices {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO choices (id, question_id, text, score, ord) VALUES ($1,$2,$3,$4,$5)`,
				c.ID, q.ID, c.Text, c.Score, c.Order)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	e, err := s.scanExamRow(s.db.QueryRowContext(ctx, examSelect+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Exam{}, fmt.Errorf("exam %s: %w", id, ErrNotFound)
		}
		return Exam{}, err
	}
	if err := s.loadQuestions(ctx, &e); err != nil {
		return Exam{}, err
	}
	return e, nil
}

func (s *SQLStore) ListExams(ctx context.Context, courseID string) ([]Exam, error) {
	rows, err := s.db.QueryContext(ctx, examSelect+` WHERE course_id=$1 ORDER BY id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exam
	for rows.Next() {
		e, err := s.scanExamRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const examSelect = `SELECT id, course_id, title, description, start_time, end_time,
	duration_minutes, attempt_limit, passing_grade, shuffle_questions,
	shuffle_choices, random_question_count, is_mandatory, is_active FROM exams`

type rowScanner interface{ Scan(dest ...any) error }

func (s *SQLStore) scanExamRow(row rowScanner) (Exam, error) {
	var (
		e                          Exam
		start, end                 sql.NullInt64
		passing                    sql.NullFloat64
		shufQ, shufC, mand, active int
	)
	err := row.Scan(&e.ID, &e.CourseID, &e.Title, &e.Description, &start, &end,
		&e.DurationMinutes, &e.AttemptLimit, &passing, &shufQ, &shufC,
		&e.RandomQuestionCount, &mand, &active)
	if err != nil {
		return Exam{}, err
	}
	e.StartTime = timePtr(start)
	e.EndTime = timePtr(end)
	if passing.Valid {
		e.PassingGrade = &passing.Float64
	}
	e.ShuffleQuestions = shufQ != 0
	e.ShuffleChoices = shufC != 0
	e.IsMandatory = mand != 0
	e.IsActive = active != 0
	return e, nil
}

func (s *SQLStore) loadQuestions(ctx context.Context, e *Exam) error {
	qrows, err := s.db.QueryContext(ctx, `SELECT id, text, question_type, points,
		required, ord, parent_question_id, parent_choice_id
		FROM questions WHERE exam_id=$1 ORDER BY ord, id`, e.ID)
	if err != nil {
		return err
	}
	defer qrows.Close()
	byID := map[string]int{}
	for qrows.Next() {
		var (
			q          Question
			required   int
			parQ, parC sql.NullString
		)
		if err := qrows.Scan(&q.ID, &q.Text, &q.Type, &q.Points, &required, &q.Order, &parQ, &parC); err != nil {
			return err
		}
		q.ExamID = e.ID
		q.Required = required != 0
		q.ParentQuestionID = parQ.String
		q.ParentChoiceID = parC.String
		byID[q.ID] = len(e.Questions)
		e.Questions = append(e.Questions, q)
	}
	if err := qrows.Err(); err != nil {
		return err
	}

	crows, err := s.db.QueryContext(ctx, `SELECT c.id, c.question_id, c.text, c.score, c.ord
		FROM choices c JOIN questions q ON q.id = c.question_id
		WHERE q.exam_id=$1 ORDER BY c.ord, c.id`, e.ID)
	if err != nil {
		return err
	}
	defer crows.Close()
	for crows.Next() {
		var c Choice
		if err := crows.Scan(&c.ID, &c.QuestionID, &c.Text, &c.Score, &c.Order); err != nil {
			return err
		}
		if i, ok := byID[c.QuestionID]; ok {
			e.Questions[i].Choices = append(e.Questions[i].Choices, c)
		}
	}
	return crows.Err()
}

// CreateAttempt allocates attempt_number = prior count + 1. Two racing calls
// can read the same count; the unique index on (exam_id, user_id,
// attempt_number) rejects the loser, who re-reads and re-checks the limit.
func (s *SQLStore) CreateAttempt(ctx context.Context, e Exam, userID string) (Attempt, error) {
	for tries := 0; tries < 3; tries++ {
		var prior int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM attempts WHERE exam_id=$1 AND user_id=$2`, e.ID, userID).Scan(&prior)
		if err != nil {
			return Attempt{}, err
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
		_, err = s.db.ExecContext(ctx, `INSERT INTO attempts
			(id, exam_id, user_id, attempt_number, status, start_time)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			a.ID, a.ExamID, a.UserID, a.Number, string(a.Status), a.StartTime.Unix())
		if err == nil {
			return a, nil
		}
		if !isUniqueViolation(err) {
			return Attempt{}, err
		}
	}
	return Attempt{}, fmt.Errorf("exam %s: attempt allocation kept conflicting", e.ID)
}

const attemptSelect = `SELECT id, exam_id, user_id, attempt_number, status,
	start_time, end_time, raw_score, score, finished FROM attempts`

func scanAttempt(row rowScanner) (Attempt, error) {
	var (
		a        Attempt
		start    int64
		end      sql.NullInt64
		finished int
	)
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Number, &a.Status,
		&start, &end, &a.RawScore, &a.Score, &finished)
	if err != nil {
		return Attempt{}, err
	}
	a.StartTime = time.Unix(start, 0).UTC()
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		a.EndTime = &t
	}
	a.Finished = finished != 0
	return a, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+` WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) {
	q := attemptSelect + ` WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND %s=$%d", cond, len(args))
	}
	if opts.ExamID != "" {
		add("exam_id", opts.ExamID)
	}
	if opts.UserID != "" {
		add("user_id", opts.UserID)
	}
	if opts.Status != "" {
		add("status", opts.Status)
	}
	q += " ORDER BY start_time DESC, id"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) LatestAttempts(ctx context.Context, courseID, userID string) (map[string]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.id, a.exam_id, a.user_id,
		a.attempt_number, a.status, a.start_time, a.end_time, a.raw_score, a.score, a.finished
		FROM attempts a JOIN exams e ON e.id = a.exam_id
		WHERE e.course_id=$1 AND a.user_id=$2`, courseID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	latest := map[string]Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		if cur, ok := latest[a.ExamID]; !ok || a.Number > cur.Number {
			latest[a.ExamID] = a
		}
	}
	return latest, rows.Err()
}

// UpsertAnswers writes one row per (attempt, question); replaying a payload
// converges on the same state, and concurrent saves for different questions
// land on different rows. Awards survive the upsert.
func (s *SQLStore) UpsertAnswers(ctx context.Context, attemptID string, answers []Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, a := range answers {
		cj, err := json.Marshal(a.ChoiceIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO answers
			(id, attempt_id, question_id, choice_ids, text_answer, file_key)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			  choice_ids=EXCLUDED.choice_ids, text_answer=EXCLUDED.text_answer,
			  file_key=EXCLUDED.file_key`,
			uuid.NewString(), attemptID, a.QuestionID, string(cj), a.Text, a.FileKey)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const answerSelect = `SELECT id, attempt_id, question_id, choice_ids, text_answer,
	file_key, score, graded FROM answers`

func scanAnswer(row rowScanner) (Answer, error) {
	var (
		a      Answer
		cj     string
		graded int
	)
	err := row.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &cj, &a.Text, &a.FileKey, &a.Score, &graded)
	if err != nil {
		return Answer{}, err
	}
	if err := json.Unmarshal([]byte(cj), &a.ChoiceIDs); err != nil {
		a.ChoiceIDs = nil
	}
	a.Graded = graded != 0
	return a, nil
}

func (s *SQLStore) GetAnswers(ctx context.Context, attemptID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, answerSelect+` WHERE attempt_id=$1 ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetAnswer(ctx context.Context, id string) (Answer, error) {
	a, err := scanAnswer(s.db.QueryRowContext(ctx, answerSelect+` WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Answer{}, fmt.Errorf("answer %s: %w", id, ErrNotFound)
	}
	return a, err
}

// FinishAttempt runs the scoring pass and the in_progress -> completed
// transition in one transaction, guarded by a compare-and-swap on status.
// Losing a finish race, or calling again after completion, returns the
// already-recorded result; a failed pass leaves the attempt in_progress.
func (s *SQLStore) FinishAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	a, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if a.Status == StatusCompleted {
		return a, nil
	}
	if a.Status.Terminal() {
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	e, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return Attempt{}, err
	}
	answers, err := s.GetAnswers(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attempt{}, err
	}
	defer tx.Rollback()

	byQuestion := questionIndex(e.Questions)
	var raw float64
	for _, ans := range answers {
		i, ok := byQuestion[ans.QuestionID]
		if !ok {
			continue
		}
		res, err := s.grader.Grade(ctx, gradingView(e.Questions[i]), gradingResponse(ans))
		if err != nil {
			return Attempt{}, err
		}
		if res.Graded {
			ans.Score = res.Points
			ans.Graded = true
			if _, err := tx.ExecContext(ctx,
				`UPDATE answers SET score=$1, graded=1 WHERE id=$2`, ans.Score, ans.ID); err != nil {
				return Attempt{}, err
			}
		}
		raw += ans.Score
	}
	var norm float64
	if total := e.TotalPoints(); total > 0 {
		norm = raw / total * 100
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE attempts
		SET status=$1, end_time=$2, raw_score=$3, score=$4, finished=1
		WHERE id=$5 AND status=$6`,
		string(StatusCompleted), now.Unix(), raw, norm, attemptID, string(StatusInProgress))
	if err != nil {
		return Attempt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Attempt{}, err
	}
	if n == 0 {
		// Lost the race: discard this pass and surface whatever won.
		_ = tx.Rollback()
		cur, err := s.GetAttempt(ctx, attemptID)
		if err != nil {
			return Attempt{}, err
		}
		if cur.Status == StatusCompleted {
			return cur, nil
		}
		return Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrAttemptFinished)
	}
	if err := tx.Commit(); err != nil {
		return Attempt{}, err
	}

	a.Status = StatusCompleted
	a.Finished = true
	a.EndTime = &now
	a.RawScore = raw
	a.Score = norm
	return a, nil
}

// GradeAnswer writes a manual award and, when the attempt has completed,
// refreshes the attempt's cached aggregates in the same transaction so they
// never go stale after late essay grading.
func (s *SQLStore) GradeAnswer(ctx context.Context, answerID string, score float64) (Answer, error) {
	ans, err := s.GetAnswer(ctx, answerID)
	if err != nil {
		return Answer{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Answer{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE answers SET score=$1, graded=1 WHERE id=$2`, score, answerID); err != nil {
		return Answer{}, err
	}

	var status string
	var examID string
	if err := tx.QueryRowContext(ctx,
		`SELECT status, exam_id FROM attempts WHERE id=$1`, ans.AttemptID).
		Scan(&status, &examID); err != nil {
		return Answer{}, err
	}
	if AttemptStatus(status) == StatusCompleted {
		var raw float64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(score),0) FROM answers WHERE attempt_id=$1`, ans.AttemptID).
			Scan(&raw); err != nil {
			return Answer{}, err
		}
		var total float64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(points),0) FROM questions WHERE exam_id=$1`, examID).
			Scan(&total); err != nil {
			return Answer{}, err
		}
		var norm float64
		if total > 0 {
			norm = raw / total * 100
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE attempts SET raw_score=$1, score=$2 WHERE id=$3`,
			raw, norm, ans.AttemptID); err != nil {
			return Answer{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Answer{}, err
	}

	ans.Score = score
	ans.Graded = true
	return ans, nil
}

func (s *SQLStore) UpsertAssessment(ctx context.Context, in Assessment) (Assessment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Assessment{}, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM course_assessments WHERE course_id=$1 AND user_id=$2`,
		in.CourseID, in.UserID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO course_assessments (id, course_id, user_id, status) VALUES ($1,$2,$3,$4)`,
			id, in.CourseID, in.UserID, string(in.Status)); err != nil {
			return Assessment{}, err
		}
	case err != nil:
		return Assessment{}, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE course_assessments SET status=$1 WHERE id=$2`, string(in.Status), id); err != nil {
			return Assessment{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assessment_answers WHERE assessment_id=$1`, id); err != nil {
			return Assessment{}, err
		}
	}
	for _, c := range in.Criteria {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assessment_answers
			(id, assessment_id, criterion, score, note) VALUES ($1,$2,$3,$4,$5)`,
			uuid.NewString(), id, c.Criterion, c.Score, c.Note); err != nil {
			return Assessment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Assessment{}, err
	}
	in.ID = id
	return in, nil
}

func (s *SQLStore) GetAssessment(ctx context.Context, courseID, userID string) (Assessment, error) {
	var a Assessment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, user_id, status FROM course_assessments
		 WHERE course_id=$1 AND user_id=$2`, courseID, userID).
		Scan(&a.ID, &a.CourseID, &a.UserID, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Assessment{}, fmt.Errorf("assessment %s/%s: %w", courseID, userID, ErrNotFound)
	}
	if err != nil {
		return Assessment{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT criterion, score, note FROM assessment_answers WHERE assessment_id=$1 ORDER BY criterion`, a.ID)
	if err != nil {
		return Assessment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c CriterionScore
		if err := rows.Scan(&c.Criterion, &c.Score, &c.Note); err != nil {
			return Assessment{}, err
		}
		a.Criteria = append(a.Criteria, c)
	}
	return a, rows.Err()
}

// helpers

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite + postgres
		strings.Contains(msg, "duplicate key") || // postgres
		strings.Contains(msg, "constraint failed") // sqlite variants
}
