package exam_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/learnward/lms/internal/evaluation"
	"github.com/learnward/lms/internal/exam"
	"github.com/learnward/lms/internal/grading"
	"github.com/learnward/lms/internal/rbac"
)

const (
	student  = "u-student"
	trainer  = "u-trainer"
	assessor = "u-assessor"
	outsider = "u-outsider"
)

func fixture(t *testing.T) (*exam.Service, *exam.MemoryStore) {
	t.Helper()
	store := exam.NewMemoryStore(grading.NewDefaultGrader())
	store.SeedCourse(exam.Course{ID: "c1", Title: "Welding basics", EvaluationMode: evaluation.ModeExamOnly})
	store.SeedParticipant("c1", student, rbac.RoleParticipant)
	store.SeedParticipant("c1", trainer, rbac.RoleTrainer)
	store.SeedParticipant("c1", assessor, rbac.RoleAssessor)
	return exam.NewService(store, nil), store
}

// fiftyPointExam: Q1 single choice worth 10, Q2 multi choice worth 20 with
// over-full contributions, Q3 manual free text worth 20.
func fiftyPointExam() exam.Exam {
	pass := 50.0
	return exam.Exam{
		ID: "e1", CourseID: "c1", Title: "Final", IsActive: true,
		IsMandatory: true, PassingGrade: &pass,
		Questions: []exam.Question{
			{ID: "q1", Type: exam.TypeSingleChoice, Points: 10, Order: 1, Choices: []exam.Choice{
				{ID: "q1a", Score: 10, Order: 1}, {ID: "q1b", Order: 2},
			}},
			{ID: "q2", Type: exam.TypeMultiChoice, Points: 20, Order: 2, Choices: []exam.Choice{
				{ID: "q2a", Score: 15, Order: 1}, {ID: "q2b", Score: 10, Order: 2},
			}},
			{ID: "q3", Type: exam.TypeFreeText, Points: 20, Order: 3},
		},
	}
}

func TestAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	if err := store.PutExam(ctx, fiftyPointExam()); err != nil {
		t.Fatal(err)
	}

	a, err := svc.StartAttempt(ctx, student, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Number != 1 || a.Status != exam.StatusInProgress {
		t.Fatalf("attempt = %+v", a)
	}

	inputs := []exam.AnswerInput{
		{QuestionID: "q1", ChoiceIDs: []string{"q1a"}},
		{QuestionID: "q2", ChoiceIDs: []string{"q2a", "q2b"}},
		{QuestionID: "q3", Text: "welded it"},
	}
	if err := svc.RecordAnswers(ctx, student, a.ID, inputs); err != nil {
		t.Fatal(err)
	}
	// autosave: same payload again leaves exactly one row per question
	if err := svc.RecordAnswers(ctx, student, a.ID, inputs); err != nil {
		t.Fatal(err)
	}
	answers, err := store.GetAnswers(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 3 {
		t.Fatalf("answers = %d, want 3", len(answers))
	}

	done, err := svc.FinishAttempt(ctx, student, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != exam.StatusCompleted || !done.Finished || done.EndTime == nil {
		t.Fatalf("finished = %+v", done)
	}
	// q1 10 + q2 capped at 20 + q3 ungraded 0 = 30 raw, 30/50 = 60%
	if done.RawScore != 30 || done.Score != 60 {
		t.Fatalf("raw=%v score=%v, want 30/60", done.RawScore, done.Score)
	}

	// finishing again returns the recorded result unchanged
	again, err := svc.FinishAttempt(ctx, student, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Score != done.Score || again.EndTime == nil || !again.EndTime.Equal(*done.EndTime) {
		t.Fatalf("second finish = %+v, want %+v", again, done)
	}

	// saving into a completed attempt is rejected
	err = svc.RecordAnswers(ctx, student, a.ID, inputs[:1])
	if !errors.Is(err, exam.ErrAttemptFinished) {
		t.Fatalf("save after finish = %v, want ErrAttemptFinished", err)
	}
}

func TestGradeAfterFinishRecomputes(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	if err := store.PutExam(ctx, fiftyPointExam()); err != nil {
		t.Fatal(err)
	}
	a, _ := svc.StartAttempt(ctx, student, "e1")
	if err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{
		{QuestionID: "q1", ChoiceIDs: []string{"q1a"}},
		{QuestionID: "q3", Text: "essay"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FinishAttempt(ctx, student, a.ID); err != nil {
		t.Fatal(err)
	}

	var essayID string
	answers, _ := store.GetAnswers(ctx, a.ID)
	for _, ans := range answers {
		if ans.QuestionID == "q3" {
			essayID = ans.ID
			if ans.Graded {
				t.Fatal("manual answer must stay ungraded through finish")
			}
		}
	}

	// participant may not grade
	if _, err := svc.GradeAnswer(ctx, student, essayID, 10); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("participant grade = %v, want ErrForbidden", err)
	}
	// award outside the question's weight is rejected
	if _, err := svc.GradeAnswer(ctx, trainer, essayID, 25); !errors.Is(err, exam.ErrValidation) {
		t.Fatalf("overweight grade = %v, want ErrValidation", err)
	}

	graded, err := svc.GradeAnswer(ctx, trainer, essayID, 15)
	if err != nil {
		t.Fatal(err)
	}
	if !graded.Graded || graded.Score != 15 {
		t.Fatalf("graded = %+v", graded)
	}
	got, _ := store.GetAttempt(ctx, a.ID)
	// 10 + 15 = 25 raw, 25/50 = 50%
	if got.RawScore != 25 || got.Score != 50 {
		t.Fatalf("recomputed raw=%v score=%v, want 25/50", got.RawScore, got.Score)
	}
}

func TestAttemptLimit(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	e := fiftyPointExam()
	e.AttemptLimit = 2
	if err := store.PutExam(ctx, e); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 2; want++ {
		a, err := svc.StartAttempt(ctx, student, "e1")
		if err != nil {
			t.Fatal(err)
		}
		if a.Number != want {
			t.Fatalf("attempt number = %d, want %d", a.Number, want)
		}
	}
	_, err := svc.StartAttempt(ctx, student, "e1")
	if !errors.Is(err, exam.ErrAttemptLimitExceeded) {
		t.Fatalf("third start = %v, want ErrAttemptLimitExceeded", err)
	}
}

func TestStartAttemptGuards(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)

	closed := fiftyPointExam()
	closed.IsActive = false
	if err := store.PutExam(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartAttempt(ctx, student, "e1"); !errors.Is(err, exam.ErrExamClosed) {
		t.Fatalf("inactive exam = %v, want ErrExamClosed", err)
	}

	open := fiftyPointExam()
	if err := store.PutExam(ctx, open); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartAttempt(ctx, outsider, "e1"); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("outsider = %v, want ErrForbidden", err)
	}
	if _, err := svc.StartAttempt(ctx, student, "missing"); !errors.Is(err, exam.ErrNotFound) {
		t.Fatalf("missing exam = %v, want ErrNotFound", err)
	}
}

func TestRecordAnswersValidation(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	if err := store.PutExam(ctx, fiftyPointExam()); err != nil {
		t.Fatal(err)
	}
	a, _ := svc.StartAttempt(ctx, student, "e1")

	err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{{QuestionID: "ghost"}})
	if !errors.Is(err, exam.ErrUnknownQuestion) {
		t.Fatalf("unknown question = %v, want ErrUnknownQuestion", err)
	}

	// choice IDs from another question are silently dropped
	if err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{
		{QuestionID: "q1", ChoiceIDs: []string{"q2a", "q1b"}},
	}); err != nil {
		t.Fatal(err)
	}
	answers, _ := store.GetAnswers(ctx, a.ID)
	if len(answers) != 1 || len(answers[0].ChoiceIDs) != 1 || answers[0].ChoiceIDs[0] != "q1b" {
		t.Fatalf("filtered answer = %+v", answers)
	}

	// another user's attempt reads as missing, not forbidden
	store.SeedParticipant("c1", "u-other", rbac.RoleParticipant)
	err = svc.RecordAnswers(ctx, "u-other", a.ID, nil)
	if !errors.Is(err, exam.ErrNotFound) {
		t.Fatalf("foreign attempt = %v, want ErrNotFound", err)
	}
}

func TestUpsertExamAuthoring(t *testing.T) {
	ctx := context.Background()
	svc, _ := fixture(t)

	e := fiftyPointExam()
	e.ID = ""
	e.Questions[0].ID = ""
	e.Questions[0].Choices[0].ID = ""
	saved, err := svc.UpsertExam(ctx, trainer, e)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" || saved.Questions[0].ID == "" || saved.Questions[0].Choices[0].ID == "" {
		t.Fatalf("IDs not assigned: %+v", saved)
	}
	if saved.Questions[0].ExamID != saved.ID {
		t.Fatal("question not linked to exam")
	}

	if _, err := svc.UpsertExam(ctx, student, fiftyPointExam()); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("participant authoring = %v, want ErrForbidden", err)
	}

	bad := fiftyPointExam()
	bad.Questions[1].ParentQuestionID = "q1"
	bad.Questions[1].ParentChoiceID = "q2a" // not a choice of q1
	if _, err := svc.UpsertExam(ctx, trainer, bad); err == nil {
		t.Fatal("want graph validation error")
	}

	orphan := fiftyPointExam()
	orphan.CourseID = "missing"
	if _, err := svc.UpsertExam(ctx, trainer, orphan); !errors.Is(err, exam.ErrNotFound) {
		t.Fatalf("unknown course = %v, want ErrNotFound", err)
	}
}

func TestListAttemptsScoping(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	if err := store.PutExam(ctx, fiftyPointExam()); err != nil {
		t.Fatal(err)
	}
	store.SeedParticipant("c1", "u-other", rbac.RoleParticipant)
	if _, err := svc.StartAttempt(ctx, student, "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartAttempt(ctx, "u-other", "e1"); err != nil {
		t.Fatal(err)
	}

	// participant is scoped to their own attempts even when asking for all
	mine, err := svc.ListAttempts(ctx, student, exam.AttemptListOpts{ExamID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].UserID != student {
		t.Fatalf("participant listing = %+v", mine)
	}

	all, err := svc.ListAttempts(ctx, trainer, exam.AttemptListOpts{ExamID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("trainer listing = %d attempts, want 2", len(all))
	}

	if _, err := svc.ListAttempts(ctx, trainer, exam.AttemptListOpts{}); !errors.Is(err, exam.ErrValidation) {
		t.Fatalf("missing exam_id = %v, want ErrValidation", err)
	}
}

func TestEvaluateVerdict(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	if err := store.PutExam(ctx, fiftyPointExam()); err != nil {
		t.Fatal(err)
	}

	// unfinished attempt contributes no score
	a, _ := svc.StartAttempt(ctx, student, "e1")
	v, err := svc.Evaluate(ctx, student, "c1", student)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Exams) != 1 || v.Exams[0].Score != nil {
		t.Fatalf("verdict before finish = %+v", v.Exams)
	}
	if v.MandatoryFailed {
		t.Fatal("unfinished mandatory exam must not fail the verdict")
	}

	if err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{
		{QuestionID: "q1", ChoiceIDs: []string{"q1a"}},
		{QuestionID: "q2", ChoiceIDs: []string{"q2a", "q2b"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FinishAttempt(ctx, student, a.ID); err != nil {
		t.Fatal(err)
	}

	v, err = svc.Evaluate(ctx, trainer, "c1", student)
	if err != nil {
		t.Fatal(err)
	}
	// 30/50 = 60%, over the 50% passing grade
	if v.FinalStatus != evaluation.StatusPassed {
		t.Fatalf("final status = %s, want passed", v.FinalStatus)
	}
	if v.Exams[0].Score == nil || *v.Exams[0].Score != 60 {
		t.Fatalf("exam score = %v, want 60", v.Exams[0].Score)
	}

	// a participant may not read someone else's verdict
	if _, err := svc.Evaluate(ctx, student, "c1", trainer); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("cross-user read = %v, want ErrForbidden", err)
	}
}

func TestAssessmentFlow(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	store.SeedCourse(exam.Course{ID: "c1", Title: "Welding basics", EvaluationMode: evaluation.ModeAssessmentOnly})

	in := exam.Assessment{
		CourseID: "c1", UserID: student, Status: evaluation.StatusPassed,
		Criteria: []exam.CriterionScore{
			{Criterion: "seam quality", Score: 8},
			{Criterion: "safety", Score: 10},
		},
	}
	if _, err := svc.UpsertAssessment(ctx, trainer, in); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("trainer assessment = %v, want ErrForbidden", err)
	}
	if _, err := svc.UpsertAssessment(ctx, assessor, exam.Assessment{
		CourseID: "c1", UserID: outsider, Status: evaluation.StatusPassed,
	}); !errors.Is(err, exam.ErrValidation) {
		t.Fatalf("non-participant target = %v, want ErrValidation", err)
	}

	saved, err := svc.UpsertAssessment(ctx, assessor, in)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" {
		t.Fatal("assessment ID not assigned")
	}

	v, err := svc.Evaluate(ctx, assessor, "c1", student)
	if err != nil {
		t.Fatal(err)
	}
	if v.FinalStatus != evaluation.StatusPassed {
		t.Fatalf("final status = %s, want passed", v.FinalStatus)
	}
	if v.Assessment == nil || v.Assessment.TotalScore != 18 {
		t.Fatalf("assessment result = %+v", v.Assessment)
	}
}

func TestVisibleQuestionsThroughService(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	e := branchedExam()
	e.CourseID = "c1"
	if err := store.PutExam(ctx, e); err != nil {
		t.Fatal(err)
	}

	// no attempt: roots only
	qs, err := svc.VisibleQuestions(ctx, student, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(qs), "A", "C") {
		t.Fatalf("roots = %v", ids(qs))
	}

	a, err := svc.StartAttempt(ctx, student, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{
		{QuestionID: "A", ChoiceIDs: []string{"a1"}},
	}); err != nil {
		t.Fatal(err)
	}
	qs, err = svc.VisibleQuestions(ctx, student, "e1", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(qs), "A", "B", "C") {
		t.Fatalf("after gating answer: %v", ids(qs))
	}

	// trainers can inspect any attempt's visible set
	if _, err := svc.VisibleQuestions(ctx, trainer, "e1", a.ID); err != nil {
		t.Fatal(err)
	}
}

func TestVisibleQuestionsConcurrentShuffle(t *testing.T) {
	ctx := context.Background()
	svc, store := fixture(t)
	e := branchedExam()
	e.ShuffleQuestions = true
	e.ShuffleChoices = true
	if err := store.PutExam(ctx, e); err != nil {
		t.Fatal(err)
	}
	a, err := svc.StartAttempt(ctx, student, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.RecordAnswers(ctx, student, a.ID, []exam.AnswerInput{
		{QuestionID: "A", ChoiceIDs: []string{"a1"}},
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qs, err := svc.VisibleQuestions(ctx, student, "e1", a.ID)
			if err != nil {
				t.Errorf("visible questions: %v", err)
				return
			}
			if len(qs) != 3 {
				t.Errorf("visible set size = %d, want 3", len(qs))
			}
		}()
	}
	wg.Wait()

	// shuffling is presentation-only: the stored exam keeps its order
	stored, err := store.GetExam(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(stored.Questions), "A", "B", "C", "D") {
		t.Fatalf("stored question order mutated: %v", ids(stored.Questions))
	}
	if stored.Questions[0].Choices[0].ID != "a1" || stored.Questions[0].Choices[1].ID != "a2" {
		t.Fatalf("stored choice order mutated: %+v", stored.Questions[0].Choices)
	}
}
