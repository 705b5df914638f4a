package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"jobline/internal/apperr"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/migrate"
)

type recorder struct {
	mu       sync.Mutex
	frames   []string
	requests []domain.WorkType
	plans    []int
	refined  int
}

func (r *recorder) Publish(jobID, frameType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frameType)
}

func (r *recorder) Request(ctx context.Context, jobID, agentID string, typ domain.WorkType) (domain.WorkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, typ)
	return domain.WorkRequest{JobID: jobID, Type: typ}, nil
}

func (r *recorder) PlanTx(ctx context.Context, tx *sql.Tx, job domain.Job, round int, notes string) (domain.Task, error) {
	r.mu.Lock()
	r.plans = append(r.plans, round)
	n := len(r.plans)
	r.mu.Unlock()
	t := domain.Task{
		ID: fmt.Sprintf("bulk-%s-%d", job.ID, n), JobID: job.ID, Title: "Revisions", Status: domain.TaskPending,
		Type: domain.TaskRevision, OrderIndex: 99, CreatedAt: job.UpdatedAt, UpdatedAt: job.UpdatedAt,
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,job_id,title,status,type,order_index,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.JobID, t.Title, t.Status, t.Type, t.OrderIndex, t.CreatedAt, t.UpdatedAt)
	return t, err
}

func (r *recorder) Refine(ctx context.Context, job domain.Job, bulk domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refined++
}

type testEnv struct {
	Engine engine.Engine
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
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Notifier = rec
	eng.Queue = rec
	eng.Planner = rec
	return testEnv{Engine: eng, Rec: rec, Ctx: context.Background()}
}

func (env testEnv) createJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobInput{ClientID: "alice", AgentID: "bot", Price: "25.50"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (env testEnv) move(t *testing.T, jobID, actor string, target domain.JobStatus, mods ...func(*engine.TransitionRequest)) domain.Job {
	t.Helper()
	req := engine.TransitionRequest{JobID: jobID, Target: target, ActorID: actor}
	for _, m := range mods {
		m(&req)
	}
	job, err := env.Engine.AttemptTransition(env.Ctx, req)
	if err != nil {
		t.Fatalf("transition to %s by %s: %v", target, actor, err)
	}
	return job
}

func withEscrow(r *engine.TransitionRequest) { r.EscrowTxRef = "0xfund" }

func withDeliverables(r *engine.TransitionRequest) {
	r.Deliverables = []domain.Deliverable{{Title: "site", Link: "https://example.test"}}
}

func withGate(r *engine.TransitionRequest) {
	r.Gate = &domain.QualityGate{Passed: true, Summary: "checks green"}
}

func TestHappyPathLifecycle(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)

	job = env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	if job.EscrowTxRef == nil || *job.EscrowTxRef != "0xfund" {
		t.Fatalf("escrow ref not recorded: %+v", job)
	}
	job = env.move(t, job.ID, "bot", domain.StatusInProgress)
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, job.ID)
	if err != nil || len(tasks) != 1 || tasks[0].Type != domain.TaskBuild {
		t.Fatalf("expected one build task, got %+v %v", tasks, err)
	}
	job = env.move(t, job.ID, "bot", domain.StatusReview, withDeliverables, withGate)
	if len(job.Deliverables) != 1 {
		t.Fatalf("deliverables not stored")
	}
	job = env.move(t, job.ID, "alice", domain.StatusFinalReview)
	job = env.move(t, job.ID, "alice", domain.StatusHardening)
	job = env.move(t, job.ID, "bot", domain.StatusCompleted, withGate)
	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	stats, err := env.Engine.Repo.GetAgentStats(env.Ctx, "bot")
	if err != nil || stats.CompletedJobs != 1 {
		t.Fatalf("expected completion counter 1, got %+v %v", stats, err)
	}
	if job.Version != 7 {
		t.Fatalf("expected version 7 after six transitions, got %d", job.Version)
	}
	want := []domain.WorkType{domain.WorkBuild, domain.WorkHardening}
	if len(env.Rec.requests) != len(want) || env.Rec.requests[0] != want[0] || env.Rec.requests[1] != want[1] {
		t.Fatalf("unexpected work requests %v", env.Rec.requests)
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	changes := 0
	for _, e := range entries {
		if e.Action == "job.status_changed" {
			changes++
		}
	}
	if changes != 6 {
		t.Fatalf("expected 6 status changes in activity, got %d", changes)
	}
	gates, err := env.Engine.Repo.ListQualityGates(env.Ctx, job.ID)
	if err != nil || len(gates) != 2 {
		t.Fatalf("expected a gate per finished unit, got %+v %v", gates, err)
	}
	if gates[0].WorkType != domain.WorkBuild || gates[1].WorkType != domain.WorkHardening || gates[0].CreatedBy != "bot" {
		t.Fatalf("unexpected gates %+v", gates)
	}
}

func TestAgentCannotFinishWorkWithoutGate(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	env.move(t, job.ID, "bot", domain.StatusInProgress)

	for _, gate := range []*domain.QualityGate{nil, {Passed: false, Issues: []string{"tests fail"}}} {
		_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
			JobID: job.ID, Target: domain.StatusReview, ActorID: "bot", Gate: gate,
		})
		var pf apperr.PreconditionFailedError
		if !errors.As(err, &pf) {
			t.Fatalf("gate %+v: expected precondition failure, got %v", gate, err)
		}
	}
	if got := engine.AllowedTargets(domain.StatusInProgress, domain.RoleAgent); len(got) != 0 {
		t.Fatalf("finishing work must not be a plain agent transition: %v", got)
	}

	env.move(t, job.ID, "bot", domain.StatusReview, withGate)
	env.move(t, job.ID, "alice", domain.StatusFinalReview)
	env.move(t, job.ID, "alice", domain.StatusHardening)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{JobID: job.ID, Target: domain.StatusCompleted, ActorID: "bot"})
	var pf apperr.PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected completed without a gate to be refused, got %v", err)
	}
	got, _ := env.Engine.Job(env.Ctx, job.ID)
	if got.Status != domain.StatusHardening {
		t.Fatalf("status changed on refused transition: %s", got.Status)
	}
	gates, _ := env.Engine.Repo.ListQualityGates(env.Ctx, job.ID)
	if len(gates) != 1 {
		t.Fatalf("expected only the build gate, got %+v", gates)
	}
}

func TestInvalidTransitionListsAllowed(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)

	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{JobID: job.ID, Target: domain.StatusReview, ActorID: "bot"})
	var it apperr.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(it.Allowed) != 1 || it.Allowed[0] != "in_progress" {
		t.Fatalf("unexpected allowed list %v", it.Allowed)
	}
	got, _ := env.Engine.Job(env.Ctx, job.ID)
	if got.Status != domain.StatusFunded {
		t.Fatalf("status changed on rejected transition: %s", got.Status)
	}
}

func TestTerminalAndDisputedHaveNoPartyTransitions(t *testing.T) {
	for _, s := range []domain.JobStatus{domain.StatusCompleted, domain.StatusRefunded, domain.StatusDisputed} {
		for _, role := range []domain.ActorRole{domain.RoleClient, domain.RoleAgent} {
			if got := engine.AllowedTargets(s, role); len(got) != 0 {
				t.Fatalf("%s/%s: expected no targets, got %v", s, role, got)
			}
		}
	}
	if got := engine.AllowedTargets(domain.StatusCompleted, domain.RoleLedger); len(got) != 0 {
		t.Fatalf("ledger must not leave a terminal status: %v", got)
	}
	if got := engine.AllowedTargets(domain.StatusDisputed, domain.RoleArbiter); len(got) != 3 {
		t.Fatalf("arbiter targets: %v", got)
	}
}

func TestFundingRequiresEscrowRef(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{JobID: job.ID, Target: domain.StatusFunded, ActorID: "alice"})
	var ve apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "escrow_tx_ref" {
		t.Fatalf("expected escrow validation error, got %v", err)
	}
}

func TestOutsiderIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{JobID: job.ID, Target: domain.StatusFunded, ActorID: "mallory", EscrowTxRef: "x"})
	var ue apperr.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestDeliverablesOnlyOnReviewTargets(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		JobID: job.ID, Target: domain.StatusInProgress, ActorID: "bot",
		Deliverables: []domain.Deliverable{{Title: "early"}},
	})
	var ve apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExpectStatusConflict(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		JobID: job.ID, Target: domain.StatusFunded, ActorID: "alice", EscrowTxRef: "x", ExpectStatus: domain.StatusFunded,
	})
	var ce apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRevisionRoundIncrementsOnce(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	env.move(t, job.ID, "bot", domain.StatusInProgress)
	env.move(t, job.ID, "bot", domain.StatusReview, withDeliverables, withGate)
	job = env.move(t, job.ID, "alice", domain.StatusRevisions, func(r *engine.TransitionRequest) { r.Notes = "fix header" })
	if job.RevisionRound != 1 || job.RevisionsFrom != domain.StatusReview {
		t.Fatalf("unexpected revision state: round=%d from=%s", job.RevisionRound, job.RevisionsFrom)
	}
	job = env.move(t, job.ID, "bot", domain.StatusFinalReview, withGate)
	job = env.move(t, job.ID, "alice", domain.StatusRevisions)
	if job.RevisionRound != 2 || job.RevisionsFrom != domain.StatusFinalReview {
		t.Fatalf("unexpected revision state: round=%d from=%s", job.RevisionRound, job.RevisionsFrom)
	}
	if len(env.Rec.plans) != 2 || env.Rec.plans[0] != 0 || env.Rec.plans[1] != 1 {
		t.Fatalf("planner should see the ending rounds, got %v", env.Rec.plans)
	}
	if env.Rec.refined != 2 {
		t.Fatalf("expected refine after each commit, got %d", env.Rec.refined)
	}
}

func TestArbiterReviseKeepsRound(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	env.move(t, job.ID, "alice", domain.StatusDisputed)
	job = env.move(t, job.ID, "judge", domain.StatusRevisions, func(r *engine.TransitionRequest) {
		r.Role = domain.RoleArbiter
		r.Notes = "add tests"
	})
	if job.RevisionRound != 0 {
		t.Fatalf("arbiter revise must not bump the round, got %d", job.RevisionRound)
	}
	if len(env.Rec.plans) != 1 || env.Rec.plans[0] != -1 {
		t.Fatalf("expected notes-only plan, got %v", env.Rec.plans)
	}
}

func TestLedgerRoleTransitions(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	job = env.move(t, job.ID, "", domain.StatusFunded, func(r *engine.TransitionRequest) {
		r.Role = domain.RoleLedger
		r.EscrowTxRef = "0xchain"
		r.ChainJobID = "17"
	})
	if job.ChainJobID == nil || *job.ChainJobID != "17" {
		t.Fatalf("chain mapping not stored")
	}
	job = env.move(t, job.ID, "", domain.StatusRefunded, func(r *engine.TransitionRequest) { r.Role = domain.RoleLedger })
	if job.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded")
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
				JobID: job.ID, Target: domain.StatusInProgress, ActorID: "bot", ExpectStatus: domain.StatusFunded,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok, failed := 0, 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		var ce apperr.ConflictError
		var it apperr.InvalidTransitionError
		if errors.As(err, &ce) || errors.As(err, &it) {
			failed++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d failed=%d", ok, failed)
	}
}

func TestUpdateTaskStatusByAgentOnly(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	env.move(t, job.ID, "bot", domain.StatusInProgress)
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, job.ID)

	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskProgress{JobID: job.ID, TaskID: tasks[0].ID, Status: domain.TaskTesting, ActorID: "alice"}); err == nil {
		t.Fatalf("client must not report task progress")
	}
	task, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.TaskProgress{JobID: job.ID, TaskID: tasks[0].ID, Status: domain.TaskTesting, ActorID: "bot"})
	if err != nil || task.Status != domain.TaskTesting {
		t.Fatalf("update: %+v %v", task, err)
	}
	last := env.Rec.frames[len(env.Rec.frames)-1]
	if last != "task_update" {
		t.Fatalf("expected task_update frame, got %s", last)
	}
}

func TestResetTasks(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t)
	env.move(t, job.ID, "alice", domain.StatusFunded, withEscrow)
	env.move(t, job.ID, "bot", domain.StatusInProgress)
	if _, err := env.Engine.ResetTasks(env.Ctx, job.ID, "bot"); err == nil {
		t.Fatalf("agent must not reset tasks")
	}
	n, err := env.Engine.ResetTasks(env.Ctx, job.ID, "alice")
	if err != nil || n != 1 {
		t.Fatalf("reset: %d %v", n, err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateJobInput{
		{AgentID: "bot"},
		{ClientID: "alice"},
		{ClientID: "alice", AgentID: "alice"},
		{ClientID: "alice", AgentID: "bot", Price: "-3"},
		{ClientID: "alice", AgentID: "bot", Price: "1.2.3"},
	}
	for _, in := range cases {
		var ve apperr.ValidationError
		if _, err := env.Engine.CreateJob(env.Ctx, in); !errors.As(err, &ve) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}
}
