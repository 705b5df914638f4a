// Package workqueue holds the in-memory work units offered to autonomous
// workers and applies their completions through the state machine.
package workqueue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine"
)

// Units are process-local and are lost on restart.
type Queue struct {
	mu    sync.Mutex
	units map[string]*domain.WorkRequest

	Engine engine.Engine
	Logger *log.Logger
	Now    func() time.Time
}

func New(eng engine.Engine) *Queue {
	return &Queue{units: map[string]*domain.WorkRequest{}, Engine: eng, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) logger() *log.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return log.Default()
}

// Request adds a unit unless an unclaimed one for the same job and type exists,
// in which case that one is returned.
func (q *Queue) Request(ctx context.Context, jobID, agentID string, typ domain.WorkType) (domain.WorkRequest, error) {
	if strings.TrimSpace(jobID) == "" {
		return domain.WorkRequest{}, apperr.ValidationError{Field: "job_id", Reason: "required"}
	}
	if !typ.Valid() {
		return domain.WorkRequest{}, apperr.ValidationError{Field: "type", Reason: "unknown work type " + string(typ)}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.units {
		if u.JobID == jobID && u.Type == typ && !u.Claimed {
			return *u, nil
		}
	}
	u := &domain.WorkRequest{
		ID:        uuid.NewString(),
		JobID:     jobID,
		AgentID:   agentID,
		Type:      typ,
		CreatedAt: q.now().UTC().Format(time.RFC3339),
	}
	q.units[u.ID] = u
	q.logger().Printf("workqueue: %s unit %s queued for job %s", typ, u.ID, jobID)
	return *u, nil
}

// Pending lists unclaimed units oldest first. Empty filters match everything.
func (q *Queue) Pending(agentID string, typ domain.WorkType) []domain.WorkRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.WorkRequest
	for _, u := range q.units {
		if u.Claimed {
			continue
		}
		if agentID != "" && u.AgentID != agentID {
			continue
		}
		if typ != "" && u.Type != typ {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) Get(id string) (domain.WorkRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, ok := q.units[id]
	if !ok {
		return domain.WorkRequest{}, apperr.NotFoundError{Kind: "work unit", ID: id}
	}
	return *u, nil
}

// originStatus is the job status a unit of typ may be claimed in.
func originStatus(typ domain.WorkType) domain.JobStatus {
	switch typ {
	case domain.WorkBuild:
		return domain.StatusFunded
	case domain.WorkRevision:
		return domain.StatusRevisions
	default:
		return domain.StatusHardening
	}
}

// stage is a status's position in the lifecycle.
func stage(s domain.JobStatus) int {
	for i, v := range domain.Statuses {
		if v == s {
			return i
		}
	}
	return -1
}

// Claim marks a unit claimed by worker. Exactly one of several concurrent
// claimers wins; the rest get ConflictError. Claiming a build unit of a funded
// job starts it. A job already past the unit's origin status is left as is.
func (q *Queue) Claim(ctx context.Context, id, workerID string) (domain.WorkRequest, error) {
	if strings.TrimSpace(workerID) == "" {
		return domain.WorkRequest{}, apperr.ValidationError{Field: "worker_id", Reason: "required"}
	}
	q.mu.Lock()
	u, ok := q.units[id]
	if !ok {
		q.mu.Unlock()
		return domain.WorkRequest{}, apperr.NotFoundError{Kind: "work unit", ID: id}
	}
	if u.Claimed {
		by := u.ClaimedBy
		q.mu.Unlock()
		return domain.WorkRequest{}, apperr.ConflictError{Reason: fmt.Sprintf("work unit %s already claimed by %s", id, by)}
	}
	u.Claimed = true
	u.ClaimedBy = workerID
	u.ClaimedAt = q.now().UTC().Format(time.RFC3339)
	claimed := *u
	q.mu.Unlock()

	job, err := q.Engine.Job(ctx, claimed.JobID)
	if err != nil {
		q.release(id)
		return domain.WorkRequest{}, err
	}
	origin := originStatus(claimed.Type)
	switch {
	case job.Status.Terminal() || job.Status == domain.StatusDisputed:
		err = apperr.ConflictError{Reason: fmt.Sprintf("job %s is %s; no %s work can be claimed", job.ID, job.Status, claimed.Type)}
	case claimed.Type == domain.WorkBuild && job.Status == domain.StatusFunded:
		_, err = q.Engine.AttemptTransition(ctx, engine.TransitionRequest{
			JobID: job.ID, Target: domain.StatusInProgress, ActorID: job.AgentID, Role: domain.RoleAgent,
			ExpectStatus: domain.StatusFunded, Notes: "claimed by " + workerID,
		})
	case stage(job.Status) < stage(origin):
		err = apperr.ConflictError{Reason: fmt.Sprintf("job %s is %s; %s work starts from %s", job.ID, job.Status, claimed.Type, origin)}
	}
	if err != nil {
		q.release(id)
		return domain.WorkRequest{}, err
	}
	return claimed, nil
}

// release undoes a claim whose follow-up failed.
func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if u, ok := q.units[id]; ok {
		u.Claimed = false
		u.ClaimedBy = ""
		u.ClaimedAt = ""
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.units, id)
}

// Completion is a worker's report that a claimed unit is done.
type Completion struct {
	UnitID       string
	WorkerID     string
	Gate         *domain.QualityGate
	Deliverables []domain.Deliverable
	Notes        string
}

// Complete finishes build work: in_progress -> review.
func (q *Queue) Complete(ctx context.Context, c Completion) (domain.Job, error) {
	return q.finish(ctx, c, domain.WorkBuild, func(domain.Job) (domain.JobStatus, domain.JobStatus) {
		return domain.StatusInProgress, domain.StatusReview
	})
}

// RevisionsComplete finishes revision work and returns the job to the review
// stage revisions were requested from.
func (q *Queue) RevisionsComplete(ctx context.Context, c Completion) (domain.Job, error) {
	return q.finish(ctx, c, domain.WorkRevision, func(job domain.Job) (domain.JobStatus, domain.JobStatus) {
		if job.RevisionsFrom == domain.StatusFinalReview {
			return domain.StatusRevisions, domain.StatusFinalReview
		}
		return domain.StatusRevisions, domain.StatusReview
	})
}

// HardeningComplete finishes hardening work: hardening -> completed.
func (q *Queue) HardeningComplete(ctx context.Context, c Completion) (domain.Job, error) {
	return q.finish(ctx, c, domain.WorkHardening, func(domain.Job) (domain.JobStatus, domain.JobStatus) {
		return domain.StatusHardening, domain.StatusCompleted
	})
}

func (q *Queue) finish(ctx context.Context, c Completion, typ domain.WorkType, route func(domain.Job) (domain.JobStatus, domain.JobStatus)) (domain.Job, error) {
	unit, err := q.Get(c.UnitID)
	if err != nil {
		return domain.Job{}, err
	}
	if unit.Type != typ {
		return domain.Job{}, apperr.ValidationError{Field: "type", Reason: fmt.Sprintf("unit %s is %s work, not %s", unit.ID, unit.Type, typ)}
	}
	if !unit.Claimed || unit.ClaimedBy != c.WorkerID {
		return domain.Job{}, apperr.ConflictError{Reason: fmt.Sprintf("work unit %s is not claimed by %s", unit.ID, c.WorkerID)}
	}
	if c.Gate == nil || !c.Gate.Passed {
		return domain.Job{}, apperr.PreconditionFailedError{Reason: fmt.Sprintf("%s completion requires a passing quality gate", typ)}
	}

	eng := q.Engine
	// Released before AfterCommit; unlock is idempotent.
	unlock := eng.LockJob(unit.JobID)
	defer unlock()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, err := eng.Repo.GetJobTx(ctx, tx, unit.JobID)
	if err != nil {
		return domain.Job{}, apperr.NotFoundError{Kind: "job", ID: unit.JobID}
	}
	from, to := route(job)
	if job.Status != from {
		return domain.Job{}, apperr.ConflictError{Reason: fmt.Sprintf("job %s is %s; %s completion expects %s", job.ID, job.Status, typ, from)}
	}
	gate := *c.Gate
	gate.CreatedBy = c.WorkerID
	updated, eff, err := eng.TransitionTx(ctx, tx, engine.TransitionRequest{
		JobID: job.ID, Target: to, ActorID: job.AgentID, Role: domain.RoleAgent,
		ExpectStatus: from, Deliverables: c.Deliverables, Notes: c.Notes, Gate: &gate,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	unlock()
	q.remove(unit.ID)
	eng.AfterCommit(ctx, eff)
	return updated, nil
}

// TaskUpdate records a worker's progress on one task of the unit's job.
func (q *Queue) TaskUpdate(ctx context.Context, unitID, workerID, taskID string, status domain.TaskStatus, note string) (domain.Task, error) {
	unit, err := q.Get(unitID)
	if err != nil {
		return domain.Task{}, err
	}
	if !unit.Claimed || unit.ClaimedBy != workerID {
		return domain.Task{}, apperr.ConflictError{Reason: fmt.Sprintf("work unit %s is not claimed by %s", unit.ID, workerID)}
	}
	job, err := q.Engine.Job(ctx, unit.JobID)
	if err != nil {
		return domain.Task{}, err
	}
	return q.Engine.UpdateTaskStatus(ctx, engine.TaskProgress{
		JobID: job.ID, TaskID: taskID, Status: status, ActorID: job.AgentID, Note: note,
	})
}
