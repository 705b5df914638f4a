package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"jobline/internal/activity"
	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/repo"
)

type roleTable map[domain.JobStatus]map[domain.ActorRole][]domain.JobStatus

var partyTransitions = roleTable{
	domain.StatusCreated: {
		domain.RoleClient: {domain.StatusFunded},
	},
	domain.StatusFunded: {
		domain.RoleClient: {domain.StatusDisputed},
		domain.RoleAgent:  {domain.StatusInProgress},
	},
	domain.StatusInProgress: {
		domain.RoleClient: {domain.StatusDisputed},
	},
	domain.StatusReview: {
		domain.RoleClient: {domain.StatusRevisions, domain.StatusFinalReview, domain.StatusDisputed},
		domain.RoleAgent:  {domain.StatusDisputed},
	},
	domain.StatusRevisions: {
		domain.RoleClient: {domain.StatusDisputed},
	},
	domain.StatusFinalReview: {
		domain.RoleClient: {domain.StatusRevisions, domain.StatusHardening, domain.StatusCompleted, domain.StatusDisputed},
		domain.RoleAgent:  {domain.StatusDisputed},
	},
	domain.StatusHardening: {
		domain.RoleClient: {domain.StatusDisputed},
	},
}

// gatedTransitions are the agent moves that close a unit of work. They are
// only taken with a passing quality gate, recorded alongside the transition.
var gatedTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.StatusInProgress: {domain.StatusReview},
	domain.StatusRevisions:  {domain.StatusReview, domain.StatusFinalReview},
	domain.StatusHardening:  {domain.StatusCompleted},
}

func isGated(from, to domain.JobStatus, role domain.ActorRole) bool {
	if role != domain.RoleAgent {
		return false
	}
	for _, s := range gatedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// gateWork is the kind of work a gated move out of from completes.
func gateWork(from domain.JobStatus) domain.WorkType {
	switch from {
	case domain.StatusInProgress:
		return domain.WorkBuild
	case domain.StatusRevisions:
		return domain.WorkRevision
	default:
		return domain.WorkHardening
	}
}

// AllowedTargets lists the statuses role may move a job in status from to.
func AllowedTargets(from domain.JobStatus, role domain.ActorRole) []domain.JobStatus {
	switch role {
	case domain.RoleArbiter:
		if from == domain.StatusDisputed {
			return []domain.JobStatus{domain.StatusCompleted, domain.StatusRevisions, domain.StatusRefunded}
		}
		return nil
	case domain.RoleLedger:
		if from.Terminal() {
			return nil
		}
		var out []domain.JobStatus
		if from == domain.StatusCreated {
			out = append(out, domain.StatusFunded)
		}
		for _, s := range []domain.JobStatus{domain.StatusDisputed, domain.StatusCompleted, domain.StatusRefunded} {
			if s != from {
				out = append(out, s)
			}
		}
		return out
	}
	return partyTransitions[from][role]
}

func isAllowed(from, to domain.JobStatus, role domain.ActorRole) bool {
	for _, s := range AllowedTargets(from, role) {
		if s == to {
			return true
		}
	}
	return false
}

func acceptsDeliverables(s domain.JobStatus) bool {
	return s == domain.StatusReview || s == domain.StatusFinalReview || s == domain.StatusCompleted
}

// TransitionRequest asks to move a job to Target. Role may be left empty for
// parties; arbiter and ledger roles must already be authorized by the caller.
type TransitionRequest struct {
	JobID        string
	Target       domain.JobStatus
	ActorID      string
	Role         domain.ActorRole
	EscrowTxRef  string
	ChainJobID   string
	Deliverables []domain.Deliverable
	ExpectStatus domain.JobStatus
	// Gate is required for the agent moves that finish build, revision or
	// hardening work.
	Gate *domain.QualityGate
	// Notes feed the revision planner and the activity entry.
	Notes string
}

// Effects are the follow-ups of a committed transition.
type Effects struct {
	Job     domain.Job
	From    domain.JobStatus
	Enqueue []domain.WorkType
	Bulk    *domain.Task
}

// AttemptTransition validates and applies one transition under the job's lock.
func (e Engine) AttemptTransition(ctx context.Context, req TransitionRequest) (domain.Job, error) {
	unlock := e.LockJob(req.JobID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, eff, err := e.TransitionTx(ctx, tx, req)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	unlock()
	e.AfterCommit(ctx, eff)
	return job, nil
}

// TransitionTx applies a transition inside tx. The caller holds the job lock,
// commits, and then passes the returned Effects to AfterCommit.
func (e Engine) TransitionTx(ctx context.Context, tx *sql.Tx, req TransitionRequest) (domain.Job, Effects, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return domain.Job{}, Effects{}, apperr.ValidationError{Field: "job_id", Reason: "required"}
	}
	if !req.Target.Valid() {
		return domain.Job{}, Effects{}, apperr.ValidationError{Field: "target", Reason: "unknown status " + string(req.Target)}
	}
	job, err := e.Repo.GetJobTx(ctx, tx, req.JobID)
	if err != nil {
		return domain.Job{}, Effects{}, notFound("job", req.JobID, err)
	}
	role, err := auth.ResolveRole(job, req.ActorID, req.Role)
	if err != nil {
		return domain.Job{}, Effects{}, err
	}
	if req.ExpectStatus != "" && job.Status != req.ExpectStatus {
		return domain.Job{}, Effects{}, apperr.ConflictError{
			Reason: "job " + job.ID + " is " + string(job.Status) + ", expected " + string(req.ExpectStatus),
		}
	}
	from := job.Status
	gated := isGated(from, req.Target, role)
	if gated && (req.Gate == nil || !req.Gate.Passed) {
		return domain.Job{}, Effects{}, apperr.PreconditionFailedError{
			Reason: string(from) + " -> " + string(req.Target) + " requires a passing " + string(gateWork(from)) + " quality gate",
		}
	}
	if !gated && !isAllowed(from, req.Target, role) {
		allowed := AllowedTargets(from, role)
		names := make([]string, 0, len(allowed))
		for _, s := range allowed {
			names = append(names, string(s))
		}
		return domain.Job{}, Effects{}, apperr.InvalidTransitionError{From: string(from), To: string(req.Target), Role: string(role), Allowed: names}
	}
	if len(req.Deliverables) > 0 && !acceptsDeliverables(req.Target) {
		return domain.Job{}, Effects{}, apperr.ValidationError{Field: "deliverables", Reason: "only accepted when entering review, final_review or completed"}
	}
	for i, d := range req.Deliverables {
		if strings.TrimSpace(d.Title) == "" {
			return domain.Job{}, Effects{}, apperr.ValidationError{Field: "deliverables", Reason: "deliverable " + strconv.Itoa(i) + " has no title"}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	eff := Effects{From: from}
	job.Status = req.Target
	job.UpdatedAt = now
	if len(req.Deliverables) > 0 {
		job.Deliverables = req.Deliverables
	}

	switch req.Target {
	case domain.StatusFunded:
		ref := strings.TrimSpace(req.EscrowTxRef)
		if ref == "" {
			return domain.Job{}, Effects{}, apperr.ValidationError{Field: "escrow_tx_ref", Reason: "required when funding"}
		}
		job.EscrowTxRef = &ref
		eff.Enqueue = append(eff.Enqueue, domain.WorkBuild)
	case domain.StatusRevisions:
		if from == domain.StatusReview || from == domain.StatusFinalReview {
			job.RevisionRound++
			job.RevisionsFrom = from
		} else {
			job.RevisionsFrom = ""
		}
		eff.Enqueue = append(eff.Enqueue, domain.WorkRevision)
	case domain.StatusHardening:
		eff.Enqueue = append(eff.Enqueue, domain.WorkHardening)
	}
	if chain := strings.TrimSpace(req.ChainJobID); chain != "" {
		if job.ChainJobID != nil && *job.ChainJobID != chain {
			return domain.Job{}, Effects{}, apperr.ConflictError{Reason: "job " + job.ID + " is already mapped to ledger job " + *job.ChainJobID}
		}
		job.ChainJobID = &chain
	}

	if err := e.Repo.UpdateJobTx(ctx, tx, &job); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Job{}, Effects{}, apperr.ConflictError{Reason: "job " + job.ID + " was modified concurrently"}
		}
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Job{}, Effects{}, apperr.ConflictError{Reason: "ledger job id already mapped to another job"}
		}
		return domain.Job{}, Effects{}, err
	}

	if gated {
		if err := e.recordGate(ctx, tx, job.ID, gateWork(from), *req.Gate, actorOrRole(req.ActorID, role), now); err != nil {
			return domain.Job{}, Effects{}, err
		}
	}

	switch req.Target {
	case domain.StatusInProgress:
		n, err := e.Repo.CountTasksTx(ctx, tx, job.ID)
		if err != nil {
			return domain.Job{}, Effects{}, err
		}
		if n == 0 {
			task := domain.Task{
				ID:          e.newID(),
				JobID:       job.ID,
				Title:       "Build deliverables",
				Description: "Initial build of the job deliverables.",
				Status:      domain.TaskPending,
				Type:        domain.TaskBuild,
				OrderIndex:  0,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
				return domain.Job{}, Effects{}, err
			}
		}
	case domain.StatusCompleted:
		if err := e.Repo.IncrementCompletedJobsTx(ctx, tx, job.AgentID, now); err != nil {
			return domain.Job{}, Effects{}, err
		}
	case domain.StatusRevisions:
		if e.Planner != nil {
			round := job.RevisionRound - 1
			if from == domain.StatusDisputed {
				round = -1
			}
			bulk, err := e.Planner.PlanTx(ctx, tx, job, round, req.Notes)
			if err != nil {
				return domain.Job{}, Effects{}, err
			}
			eff.Bulk = &bulk
		}
	}

	details := activity.Details{"from": from, "to": job.Status, "role": role, "revision_round": job.RevisionRound}
	if req.Notes != "" {
		details["notes"] = req.Notes
	}
	if req.Target == domain.StatusFunded {
		details["escrow_tx_ref"] = *job.EscrowTxRef
	}
	if len(req.Deliverables) > 0 {
		details["deliverables"] = len(req.Deliverables)
	}
	if _, err := e.Activity.Append(ctx, tx, job.ID, actorOrRole(req.ActorID, role), activity.JobStatusChanged, details); err != nil {
		return domain.Job{}, Effects{}, err
	}
	eff.Job = job
	return job, eff, nil
}

func (e Engine) recordGate(ctx context.Context, tx *sql.Tx, jobID string, work domain.WorkType, gate domain.QualityGate, actorID, now string) error {
	if gate.ID == "" {
		gate.ID = e.newID()
	}
	if gate.CreatedBy == "" {
		gate.CreatedBy = actorID
	}
	gate.JobID = jobID
	gate.WorkType = work
	gate.CreatedAt = now
	if err := e.Repo.InsertQualityGateTx(ctx, tx, gate); err != nil {
		return err
	}
	_, err := e.Activity.Append(ctx, tx, jobID, gate.CreatedBy, activity.QualityGateRecord, activity.Details{
		"gate_id": gate.ID, "work_type": work, "summary": gate.Summary, "url": gate.URL,
	})
	return err
}

// AfterCommit runs the best-effort follow-ups of a committed transition.
func (e Engine) AfterCommit(ctx context.Context, eff Effects) {
	if eff.Job.ID == "" {
		return
	}
	e.publish(eff.Job.ID, "job_update", map[string]any{"from": eff.From, "status": eff.Job.Status, "job": eff.Job})
	if e.Queue != nil {
		for _, typ := range eff.Enqueue {
			if _, err := e.Queue.Request(ctx, eff.Job.ID, eff.Job.AgentID, typ); err != nil {
				e.logger().Printf("engine: enqueue %s work for job %s: %v", typ, eff.Job.ID, err)
			}
		}
	}
	if eff.Bulk != nil && e.Planner != nil {
		e.Planner.Refine(ctx, eff.Job, *eff.Bulk)
		e.publish(eff.Job.ID, "task_update", map[string]any{"reason": "revision_planned", "round": eff.Job.RevisionRound})
	}
}

func actorOrRole(actorID string, role domain.ActorRole) string {
	if actorID != "" {
		return actorID
	}
	return string(role)
}
