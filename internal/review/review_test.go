package review_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"jobline/internal/apperr"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/llm"
	"jobline/internal/migrate"
	"jobline/internal/planner"
	"jobline/internal/review"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) Publish(jobID, frameType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frameType)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	return llm.ChatResponse{Content: f.reply}, nil
}

type testEnv struct {
	Engine engine.Engine
	Review *review.Service
	Rec    *recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &recorder{}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }
	eng.Notifier = rec
	p := planner.New(conn, nil, time.Second, time.Hour)
	p.Lock = eng.LockJob
	p.Logger = log.New(io.Discard, "", 0)
	eng.Planner = p
	svc := &review.Service{
		Engine:   eng,
		LLM:      fakeLLM{reply: "Noted: fix the header."},
		Notifier: rec,
		Logger:   log.New(io.Discard, "", 0),
	}
	return testEnv{Engine: eng, Review: svc, Rec: rec, Ctx: context.Background()}
}

func (env testEnv) reviewJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobInput{ClientID: "alice", AgentID: "bot", Price: "5"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	steps := []engine.TransitionRequest{
		{JobID: job.ID, Target: domain.StatusFunded, ActorID: "alice", EscrowTxRef: "0xfund"},
		{JobID: job.ID, Target: domain.StatusInProgress, ActorID: "bot"},
		{JobID: job.ID, Target: domain.StatusReview, ActorID: "bot", Deliverables: []domain.Deliverable{{Title: "site"}}, Gate: &domain.QualityGate{Passed: true}},
	}
	for _, req := range steps {
		if job, err = env.Engine.AttemptTransition(env.Ctx, req); err != nil {
			t.Fatalf("transition to %s: %v", req.Target, err)
		}
	}
	return job
}

func TestPostMessageStoresReply(t *testing.T) {
	env := newTestEnv(t)
	job := env.reviewJob(t)

	if _, err := env.Review.PostMessage(env.Ctx, job.ID, "bot", "looks done"); apperr.Code(err) != "unauthorized" {
		t.Fatalf("expected agent to be refused, got %v", err)
	}
	if _, err := env.Review.PostMessage(env.Ctx, job.ID, "alice", "   "); apperr.Code(err) != "validation_error" {
		t.Fatalf("expected empty content rejected, got %v", err)
	}

	posted, err := env.Review.PostMessage(env.Ctx, job.ID, "alice", "The header overlaps the logo")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if posted.Assistant == nil || posted.Assistant.Role != domain.MessageAssistant {
		t.Fatalf("expected assistant reply, got %+v", posted)
	}
	msgs, err := env.Review.Messages(env.Ctx, job.ID, "bot")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.MessageUser || msgs[1].Role != domain.MessageAssistant {
		t.Fatalf("unexpected conversation: %+v", msgs)
	}
	frames := env.Rec.types()
	if frames[len(frames)-2] != review.FrameUserMessage || frames[len(frames)-1] != review.FrameAssistantMessage {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestPostMessageSurvivesProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Review.LLM = fakeLLM{err: errors.New("503")}
	job := env.reviewJob(t)

	posted, err := env.Review.PostMessage(env.Ctx, job.ID, "alice", "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if posted.Assistant != nil {
		t.Fatalf("expected no assistant reply")
	}
	msgs, _ := env.Engine.Repo.ListMessages(env.Ctx, job.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d", len(msgs))
	}
}

func TestSubmitFeedbackRequestsRevisions(t *testing.T) {
	env := newTestEnv(t)
	env.Review.LLM = nil
	job := env.reviewJob(t)
	for _, text := range []string{"Logo is blurry", "Footer links are dead"} {
		if _, err := env.Review.PostMessage(env.Ctx, job.ID, "alice", text); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	updated, err := env.Review.SubmitFeedback(env.Ctx, job.ID, "alice", "Please fix both issues")
	if err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	if updated.Status != domain.StatusRevisions || updated.RevisionRound != 1 {
		t.Fatalf("expected revisions round 1, got %s round %d", updated.Status, updated.RevisionRound)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, job.ID)
	var bulk *domain.Task
	for i := range tasks {
		if tasks[i].Type == domain.TaskRevision {
			bulk = &tasks[i]
		}
	}
	if bulk == nil {
		t.Fatalf("expected a revision task, got %+v", tasks)
	}
	for _, want := range []string{"Logo is blurry", "Footer links are dead", "Please fix both issues"} {
		if !strings.Contains(bulk.Description, want) {
			t.Fatalf("bulk task missing %q: %s", want, bulk.Description)
		}
	}
	frames := env.Rec.types()
	found := false
	for _, f := range frames {
		if f == review.FrameFeedbackSubmitted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected feedback_submitted frame, got %v", frames)
	}
}

func TestFeedbackOutsideReviewIsRefused(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobInput{ClientID: "alice", AgentID: "bot"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := env.Review.SubmitFeedback(env.Ctx, job.ID, "alice", "too early"); apperr.Code(err) != "conflict" {
		t.Fatalf("expected conflict, got %v", err)
	}
	msgs, _ := env.Engine.Repo.ListMessages(env.Ctx, job.ID)
	if len(msgs) != 0 {
		t.Fatalf("refused feedback was stored")
	}
	if _, err := env.Review.SubmitFeedback(env.Ctx, "nope", "alice", "x"); apperr.Code(err) != "not_found" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryReplaysConversation(t *testing.T) {
	env := newTestEnv(t)
	job := env.reviewJob(t)
	if _, err := env.Review.PostMessage(env.Ctx, job.ID, "alice", "first"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := env.Review.SubmitFeedback(env.Ctx, job.ID, "alice", "redo it"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	frames, err := env.Review.History(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []string{review.FrameUserMessage, review.FrameAssistantMessage, review.FrameFeedbackSubmitted}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(frames))
	}
	for i, f := range frames {
		if f.Type != want[i] {
			t.Fatalf("frame %d: expected %s, got %s", i, want[i], f.Type)
		}
	}
}
