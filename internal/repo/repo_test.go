package repo_test

import (
	"context"
	"errors"
	"testing"

	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedJob(t *testing.T, r repo.Repo, id string, status domain.JobStatus) domain.Job {
	t.Helper()
	j := domain.Job{ID: id, ClientID: "client-1", AgentID: "agent-1", Price: "10", Status: status, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertJob(context.Background(), nil, j); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	got, err := r.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return got
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newRepo(t)
	applied, err := migrate.Migrate(r.DB)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no migrations on rerun, got %v", applied)
	}
}

func TestUpdateJobCompareAndSwap(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	job := seedJob(t, r, "job-1", domain.StatusCreated)
	if job.Version != 1 {
		t.Fatalf("expected version 1, got %d", job.Version)
	}

	stale := job
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	job.Status = domain.StatusFunded
	if err := r.UpdateJobTx(ctx, tx, &job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if job.Version != 2 {
		t.Fatalf("expected version 2, got %d", job.Version)
	}

	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.Status = domain.StatusDisputed
	if err := r.UpdateJobTx(ctx, tx, &stale); !errors.Is(err, repo.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
}

func TestDeliverablesRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	job := seedJob(t, r, "job-1", domain.StatusInProgress)
	if job.Deliverables == nil || len(job.Deliverables) != 0 {
		t.Fatalf("expected empty deliverables, got %#v", job.Deliverables)
	}
	job.Deliverables = []domain.Deliverable{{Title: "site", Link: "https://example.test"}, {Title: "docs"}}
	job.Status = domain.StatusReview
	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := r.UpdateJobTx(ctx, tx, &job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Deliverables) != 2 || got.Deliverables[0].Link != "https://example.test" || got.Deliverables[1].Title != "docs" {
		t.Fatalf("unexpected deliverables: %#v", got.Deliverables)
	}
}

func TestChainMappingAndUnmappedLookup(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedJob(t, r, "job-old", domain.StatusCreated)
	seedJob(t, r, "job-funded", domain.StatusFunded)

	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	got, err := r.FindUnmappedJobTx(ctx, tx, []domain.JobStatus{domain.StatusCreated})
	if err != nil || got.ID != "job-old" {
		t.Fatalf("expected job-old, got %v %v", got.ID, err)
	}
	if err := r.SetChainJobIDTx(ctx, tx, "job-old", "42", ts); err != nil {
		t.Fatalf("map: %v", err)
	}
	if _, err := r.FindUnmappedJobTx(ctx, tx, []domain.JobStatus{domain.StatusCreated}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no unmapped created job, got %v", err)
	}
	mapped, err := r.GetJobByChainIDTx(ctx, tx, "42")
	if err != nil || mapped.ID != "job-old" {
		t.Fatalf("lookup by chain id: %v %v", mapped.ID, err)
	}
	if err := r.SetChainJobIDTx(ctx, tx, "job-old", "43", ts); !errors.Is(err, repo.ErrStaleVersion) {
		t.Fatalf("expected remap to be refused, got %v", err)
	}
}

func TestUnmappedLookupPrefersLatestWrite(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first := seedJob(t, r, "job-a", domain.StatusFunded)
	seedJob(t, r, "job-b", domain.StatusCreated)

	// Same updated_at second for both jobs; the later write must still win.
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	first.Status = domain.StatusCreated
	if err := r.UpdateJobTx(ctx, tx, &first); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.FindUnmappedJobTx(ctx, tx, []domain.JobStatus{domain.StatusCreated})
	if err != nil || got.ID != "job-a" {
		t.Fatalf("expected most recently written job-a, got %v %v", got.ID, err)
	}
}

func TestProcessedEventsAndCheckpoint(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, _ := r.DB.BeginTx(ctx, nil)
	ev := domain.ProcessedEvent{TxRef: "0xabc", LogIndex: 1, EventType: "JobFunded", ChainJobID: "7", BlockNumber: 12, ProcessedAt: ts}
	if err := r.InsertProcessedEventTx(ctx, tx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertProcessedEventTx(ctx, tx, ev); err == nil {
		t.Fatalf("expected primary key violation on duplicate event")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	ok, err := r.HasProcessedEventTx(ctx, nil, "0xabc", 1)
	if err != nil || !ok {
		t.Fatalf("expected processed: %v %v", ok, err)
	}
	ok, _ = r.HasProcessedEventTx(ctx, nil, "0xabc", 2)
	if ok {
		t.Fatalf("different log index must not be processed")
	}

	if _, found, err := r.GetCheckpoint(ctx, "escrow"); err != nil || found {
		t.Fatalf("expected no checkpoint: %v", err)
	}
	if err := r.SetCheckpoint(ctx, "escrow", 100, ts); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCheckpoint(ctx, "escrow", 150, ts); err != nil {
		t.Fatal(err)
	}
	block, found, err := r.GetCheckpoint(ctx, "escrow")
	if err != nil || !found || block != 150 {
		t.Fatalf("checkpoint = %d %v %v", block, found, err)
	}
}

func TestTaskOrdering(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedJob(t, r, "job-1", domain.StatusInProgress)
	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	max, err := r.MaxOrderIndexTx(ctx, tx, "job-1")
	if err != nil || max != -1 {
		t.Fatalf("expected -1 for no tasks, got %d %v", max, err)
	}
	for i, title := range []string{"b", "a"} {
		task := domain.Task{ID: title, JobID: "job-1", Title: title, Status: domain.TaskPending, Type: domain.TaskBuild, OrderIndex: 5 - i, CreatedAt: ts, UpdatedAt: ts}
		if err := r.InsertTaskTx(ctx, tx, task); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := r.ListTasksTx(ctx, tx, "job-1")
	if err != nil || len(tasks) != 2 || tasks[0].ID != "a" {
		t.Fatalf("unexpected order: %+v %v", tasks, err)
	}
	if max, _ := r.MaxOrderIndexTx(ctx, tx, "job-1"); max != 5 {
		t.Fatalf("expected max 5, got %d", max)
	}
}

func TestAgentStatsCounter(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		tx, _ := r.DB.BeginTx(ctx, nil)
		if err := r.IncrementCompletedJobsTx(ctx, tx, "agent-1", ts); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	s, err := r.GetAgentStats(ctx, "agent-1")
	if err != nil || s.CompletedJobs != 2 {
		t.Fatalf("expected 2 completions, got %+v %v", s, err)
	}
	s, _ = r.GetAgentStats(ctx, "nobody")
	if s.CompletedJobs != 0 {
		t.Fatalf("expected zero for unknown agent")
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	raw, err := repo.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "agent-1", KeyHash: repo.HashAPIKey(raw)}); err != nil {
		t.Fatal(err)
	}
	k, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" "+raw+" "))
	if err != nil || k.ActorID != "agent-1" {
		t.Fatalf("lookup: %+v %v", k, err)
	}
	if err := r.RevokeAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.RevokeAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
}
