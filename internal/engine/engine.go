package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobline/internal/activity"
	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/repo"
)

// RevisionPlanner materializes revision tasks. PlanTx runs inside the
// transition; Refine runs after commit and never fails the caller.
type RevisionPlanner interface {
	PlanTx(ctx context.Context, tx *sql.Tx, job domain.Job, round int, notes string) (domain.Task, error)
	Refine(ctx context.Context, job domain.Job, bulk domain.Task)
}

type WorkRequester interface {
	Request(ctx context.Context, jobID, agentID string, typ domain.WorkType) (domain.WorkRequest, error)
}

type Notifier interface {
	Publish(jobID, frameType string, data any)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Planner  RevisionPlanner
	Queue    WorkRequester
	Notifier Notifier
	Logger   *log.Logger
	Now      func() time.Time

	locks *jobLocks
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{},
		Now:      time.Now,
		locks:    newJobLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) newID() string {
	return uuid.NewString()
}

func (e Engine) publish(jobID, frameType string, data any) {
	if e.Notifier != nil {
		e.Notifier.Publish(jobID, frameType, data)
	}
}

// LockJob serializes mutations of one job within the process.
func (e Engine) LockJob(jobID string) func() {
	return e.locks.lock(jobID)
}

// notFound converts repo.ErrNotFound into the shared NotFoundError.
func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

type CreateJobInput struct {
	ID         string
	ClientID   string
	AgentID    string
	ServiceID  string
	Price      string
	ChainJobID string
}

// CreateJob registers a job in the created status.
func (e Engine) CreateJob(ctx context.Context, in CreateJobInput) (domain.Job, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return domain.Job{}, apperr.ValidationError{Field: "client_id", Reason: "required"}
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return domain.Job{}, apperr.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if in.ClientID == in.AgentID {
		return domain.Job{}, apperr.ValidationError{Field: "agent_id", Reason: "must differ from client_id"}
	}
	price := strings.TrimSpace(in.Price)
	if price == "" {
		price = "0"
	}
	if !isDecimal(price) {
		return domain.Job{}, apperr.ValidationError{Field: "price", Reason: "must be a non-negative decimal"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	job := domain.Job{
		ID:           in.ID,
		ClientID:     in.ClientID,
		AgentID:      in.AgentID,
		ServiceID:    in.ServiceID,
		Price:        price,
		Status:       domain.StatusCreated,
		Deliverables: []domain.Deliverable{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.ID == "" {
		job.ID = e.newID()
	}
	if chain := strings.TrimSpace(in.ChainJobID); chain != "" {
		job.ChainJobID = &chain
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Job{}, apperr.ConflictError{Reason: "job or ledger mapping already exists"}
		}
		return domain.Job{}, err
	}
	if _, err := e.Activity.Append(ctx, tx, job.ID, job.ClientID, activity.JobCreated, activity.Details{"agent_id": job.AgentID, "price": job.Price}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.publish(job.ID, "job_update", map[string]any{"status": job.Status, "job": job})
	return job, nil
}

func isDecimal(s string) bool {
	dot := false
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}

// Job returns a job or NotFoundError.
func (e Engine) Job(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, notFound("job", id, err)
	}
	return job, nil
}

// ResetTasks deletes every task of a job on the client's request.
func (e Engine) ResetTasks(ctx context.Context, jobID, actorID string) (int, error) {
	unlock := e.LockJob(jobID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return 0, notFound("job", jobID, err)
	}
	if err := auth.RequireParty(job, actorID, domain.RoleClient); err != nil {
		return 0, err
	}
	if job.Status.Terminal() {
		return 0, apperr.ConflictError{Reason: "job " + jobID + " is " + string(job.Status)}
	}
	n, err := e.Repo.DeleteTasksTx(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	if _, err := e.Activity.Append(ctx, tx, jobID, actorID, activity.TasksReset, activity.Details{"deleted": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.publish(jobID, "task_update", map[string]any{"reason": "reset", "deleted": n})
	return n, nil
}

type TaskProgress struct {
	JobID   string
	TaskID  string
	Status  domain.TaskStatus
	ActorID string
	Note    string
}

// UpdateTaskStatus records worker progress on a task. Only the job's agent may report.
func (e Engine) UpdateTaskStatus(ctx context.Context, p TaskProgress) (domain.Task, error) {
	if !p.Status.Valid() {
		return domain.Task{}, apperr.ValidationError{Field: "status", Reason: "unknown task status " + string(p.Status)}
	}
	unlock := e.LockJob(p.JobID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetJobTx(ctx, tx, p.JobID)
	if err != nil {
		return domain.Task{}, notFound("job", p.JobID, err)
	}
	if err := auth.RequireParty(job, p.ActorID, domain.RoleAgent); err != nil {
		return domain.Task{}, err
	}
	task, err := e.Repo.GetTaskTx(ctx, tx, p.TaskID)
	if err != nil || task.JobID != job.ID {
		return domain.Task{}, apperr.NotFoundError{Kind: "task", ID: p.TaskID}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, task.ID, p.Status, now); err != nil {
		return domain.Task{}, err
	}
	details := activity.Details{"task_id": task.ID, "from": task.Status, "to": p.Status}
	if p.Note != "" {
		details["note"] = p.Note
	}
	if _, err := e.Activity.Append(ctx, tx, job.ID, p.ActorID, activity.TaskUpdated, details); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	task.Status = p.Status
	task.UpdatedAt = now
	e.publish(job.ID, "task_update", map[string]any{"task": task, "note": p.Note})
	return task, nil
}
