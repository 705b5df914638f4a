package planner_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"jobline/internal/apperr"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/llm"
	"jobline/internal/migrate"
	"jobline/internal/planner"
	"jobline/internal/repo"
)

type scriptedLLM struct {
	reply string
	err   error
	delay time.Duration
	seen  []string
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	s.seen = append(s.seen, req.Messages[len(req.Messages)-1].Content)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return llm.ChatResponse{}, ctx.Err()
		}
	}
	if s.err != nil {
		return llm.ChatResponse{}, s.err
	}
	return llm.ChatResponse{Content: s.reply}, nil
}

type testEnv struct {
	Engine  engine.Engine
	Planner *planner.Planner
	LLM     *scriptedLLM
	Ctx     context.Context
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), LLM: &scriptedLLM{}, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	eng := engine.New(conn)
	eng.Now = clock
	p := planner.New(conn, env.LLM, 200*time.Millisecond, 10*time.Minute)
	p.Now = clock
	p.Lock = eng.LockJob
	p.Logger = log.New(io.Discard, "", 0)
	eng.Planner = p
	env.Engine = eng
	env.Planner = p
	return env
}

// reviewJob drives a job to review and records two feedback messages for round 0.
func (env *testEnv) reviewJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobInput{ClientID: "alice", AgentID: "bot", Price: "10"})
	if err != nil {
		t.Fatal(err)
	}
	steps := []engine.TransitionRequest{
		{Target: domain.StatusFunded, ActorID: "alice", EscrowTxRef: "0xf"},
		{Target: domain.StatusInProgress, ActorID: "bot"},
		{Target: domain.StatusReview, ActorID: "bot", Deliverables: []domain.Deliverable{{Title: "app"}}, Gate: &domain.QualityGate{Passed: true}},
	}
	for _, s := range steps {
		s.JobID = job.ID
		if job, err = env.Engine.AttemptTransition(env.Ctx, s); err != nil {
			t.Fatalf("to %s: %v", s.Target, err)
		}
	}
	for i, text := range []string{"The login button is broken", "Use the brand colors"} {
		m := domain.Message{ID: job.ID + "-m" + string(rune('0'+i)), JobID: job.ID, Round: 0, Role: domain.MessageUser, Kind: domain.KindMessage, Content: text, CreatedAt: "2024-01-01T00:00:0" + string(rune('0'+i)) + "Z"}
		if err := env.Engine.Repo.InsertMessage(env.Ctx, nil, m); err != nil {
			t.Fatal(err)
		}
	}
	return job
}

func (env *testEnv) requestRevisions(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{JobID: jobID, Target: domain.StatusRevisions, ActorID: "alice"})
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	return job
}

func revisionTasks(t *testing.T, r repo.Repo, jobID string) []domain.Task {
	t.Helper()
	tasks, err := r.ListTasks(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.Task
	for _, task := range tasks {
		if task.Type == domain.TaskRevision {
			out = append(out, task)
		}
	}
	return out
}

func TestRevisionRequestCreatesTasksFromFeedback(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.reply = "```json\n[{\"title\":\"Fix login button\",\"description\":\"It is broken\"},{\"title\":\"Apply brand colors\"}]\n```"
	job := env.reviewJob(t)

	job = env.requestRevisions(t, job.ID)
	if job.Status != domain.StatusRevisions || job.RevisionRound != 1 {
		t.Fatalf("unexpected job state %s round %d", job.Status, job.RevisionRound)
	}
	if len(env.LLM.seen) != 1 || !strings.Contains(env.LLM.seen[0], "1. The login button is broken") || !strings.Contains(env.LLM.seen[0], "2. Use the brand colors") {
		t.Fatalf("feedback not passed to decomposition: %q", env.LLM.seen)
	}
	tasks := revisionTasks(t, env.Engine.Repo, job.ID)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 granular tasks, got %+v", tasks)
	}
	if tasks[0].Title != "Fix login button" || tasks[0].OrderIndex != 1 || tasks[1].OrderIndex != 2 {
		t.Fatalf("granular tasks must follow the build task in order: %+v", tasks)
	}
}

func TestBulkTaskKeptWhenDecompositionFails(t *testing.T) {
	cases := map[string]func(*scriptedLLM){
		"provider error": func(s *scriptedLLM) { s.err = errors.New("unavailable") },
		"timeout":        func(s *scriptedLLM) { s.delay = time.Second; s.reply = `[{"title":"late"}]` },
		"garbage":        func(s *scriptedLLM) { s.reply = "I cannot help with that" },
		"empty list":     func(s *scriptedLLM) { s.reply = "[]" },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			setup(env.LLM)
			job := env.reviewJob(t)
			job = env.requestRevisions(t, job.ID)
			tasks := revisionTasks(t, env.Engine.Repo, job.ID)
			if len(tasks) != 1 {
				t.Fatalf("expected the bulk task only, got %+v", tasks)
			}
			if tasks[0].Title != "Revision round 1" || !strings.Contains(tasks[0].Description, "brand colors") {
				t.Fatalf("unexpected bulk task %+v", tasks[0])
			}
		})
	}
}

func TestUndoWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.err = errors.New("down")
	job := env.reviewJob(t)
	env.requestRevisions(t, job.ID)

	if _, err := env.Planner.Undo(env.Ctx, job.ID, "bot"); err == nil {
		t.Fatalf("agent must not undo")
	}
	env.now = env.now.Add(5 * time.Minute)
	n, err := env.Planner.Undo(env.Ctx, job.ID, "alice")
	if err != nil || n != 1 {
		t.Fatalf("undo: %d %v", n, err)
	}
	if tasks := revisionTasks(t, env.Engine.Repo, job.ID); len(tasks) != 0 {
		t.Fatalf("expected revision tasks removed, got %+v", tasks)
	}
	all, _ := env.Engine.Repo.ListTasks(env.Ctx, job.ID)
	if len(all) != 1 || all[0].Type != domain.TaskBuild {
		t.Fatalf("build task must survive undo: %+v", all)
	}
}

func TestUndoAfterWindowIsRefused(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.err = errors.New("down")
	job := env.reviewJob(t)
	env.requestRevisions(t, job.ID)
	env.now = env.now.Add(11 * time.Minute)
	_, err := env.Planner.Undo(env.Ctx, job.ID, "alice")
	var ce apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict after window, got %v", err)
	}
}
