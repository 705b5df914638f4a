// Package arbiter gathers dispute evidence and settles disputes on the
// ledger and then off-chain.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/ledger"
	"jobline/internal/repo"
)

const arbiterActor = "arbiter"

type Evidence struct {
	Job             domain.Job             `json:"job"`
	TasksTotal      int                    `json:"tasks_total"`
	TasksCompleted  int                    `json:"tasks_completed"`
	CompletionRatio float64                `json:"completion_ratio"`
	HasDeliverables bool                   `json:"has_deliverables"`
	MarkerHits      []string               `json:"marker_hits"`
	QualityGates    []domain.QualityGate   `json:"quality_gates"`
	Activity        []domain.ActivityEntry `json:"activity"`
	Transcript      []domain.Message       `json:"transcript"`
}

type Arbiter struct {
	Engine    engine.Engine
	Ledger    ledger.Client
	Heuristic *Heuristic
	// Deadline applies to revisions jobs whose ledger tracks no deadline.
	Deadline time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

func (a *Arbiter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Arbiter) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

// ListDisputes returns jobs currently in the disputed status.
func (a *Arbiter) ListDisputes(ctx context.Context) ([]domain.Job, error) {
	return a.Engine.Repo.ListJobs(ctx, repo.JobFilters{Status: domain.StatusDisputed})
}

func (a *Arbiter) disputed(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := a.Engine.Job(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.StatusDisputed {
		return domain.Job{}, apperr.ConflictError{Reason: fmt.Sprintf("job %s is %s, not disputed", job.ID, job.Status)}
	}
	return job, nil
}

// Evidence assembles the bundle strategies decide on.
func (a *Arbiter) Evidence(ctx context.Context, jobID string) (Evidence, error) {
	job, err := a.Engine.Job(ctx, jobID)
	if err != nil {
		return Evidence{}, err
	}
	r := a.Engine.Repo
	tasks, err := r.ListTasks(ctx, job.ID)
	if err != nil {
		return Evidence{}, err
	}
	ev := Evidence{Job: job, TasksTotal: len(tasks), HasDeliverables: len(job.Deliverables) > 0, MarkerHits: []string{}}
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted {
			ev.TasksCompleted++
		}
	}
	if ev.TasksTotal > 0 {
		ev.CompletionRatio = float64(ev.TasksCompleted) / float64(ev.TasksTotal)
	}
	if ev.Activity, err = r.ListActivity(ctx, job.ID, 0, 0); err != nil {
		return Evidence{}, err
	}
	if ev.Transcript, err = r.ListMessages(ctx, job.ID); err != nil {
		return Evidence{}, err
	}
	if ev.QualityGates, err = r.ListQualityGates(ctx, job.ID); err != nil {
		return Evidence{}, err
	}
	if a.Heuristic != nil {
		ev.MarkerHits = markerHits(ev.Transcript, a.Heuristic.Markers())
	}
	return ev, nil
}

func markerHits(transcript []domain.Message, markers []string) []string {
	hits := []string{}
	for _, m := range markers {
		for _, msg := range transcript {
			if msg.Role == domain.MessageUser && strings.Contains(strings.ToLower(msg.Content), m) {
				hits = append(hits, m)
				break
			}
		}
	}
	return hits
}

// Analyze proposes a resolution without touching the ledger or the job.
func (a *Arbiter) Analyze(ctx context.Context, jobID string, s Strategy) (Decision, Evidence, error) {
	if _, err := a.disputed(ctx, jobID); err != nil {
		return Decision{}, Evidence{}, err
	}
	ev, err := a.Evidence(ctx, jobID)
	if err != nil {
		return Decision{}, Evidence{}, err
	}
	d, err := s.Decide(ev)
	return d, ev, err
}

type Outcome struct {
	Decision Decision       `json:"decision"`
	Receipt  ledger.Receipt `json:"receipt"`
	Job      domain.Job     `json:"job"`
}

// Execute decides, submits the resolution to the ledger and, once the ledger
// confirms, moves the job out of disputed. chainRef maps an unmapped job.
// The job lock is held from the status check to the commit, so one dispute
// reaches the ledger at most once.
func (a *Arbiter) Execute(ctx context.Context, jobID string, s Strategy, chainRef string) (Outcome, error) {
	unlock := a.Engine.LockJob(jobID)
	defer unlock()
	job, err := a.disputed(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	ev, err := a.Evidence(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	d, err := s.Decide(ev)
	if err != nil {
		return Outcome{}, err
	}
	chainID := strings.TrimSpace(chainRef)
	if job.ChainJobID != nil {
		if chainID != "" && chainID != *job.ChainJobID {
			return Outcome{}, apperr.ConflictError{Reason: fmt.Sprintf("job %s is mapped to ledger job %s", job.ID, *job.ChainJobID)}
		}
		chainID = *job.ChainJobID
	}
	if chainID == "" {
		return Outcome{}, apperr.ValidationError{Field: "chain_ref", Reason: "job has no ledger mapping"}
	}
	if a.Ledger == nil {
		return Outcome{}, apperr.ExternalDependencyError{Dependency: "ledger", Err: errors.New("not configured")}
	}
	receipt, err := a.Ledger.ResolveDispute(ctx, chainID, d.Resolution)
	if err != nil {
		return Outcome{}, apperr.ExternalDependencyError{Dependency: "ledger", Err: err}
	}
	a.logger().Printf("arbiter: job %s resolved %s on ledger (%s)", job.ID, d.Resolution, receipt.TxRef)

	notes := fmt.Sprintf("%s by %s: %s (tx %s)", d.Resolution, d.Strategy, d.Notes, receipt.TxRef)
	req := engine.TransitionRequest{
		JobID:        job.ID,
		Target:       d.Resolution.TargetStatus(),
		ActorID:      arbiterActor,
		Role:         domain.RoleArbiter,
		ExpectStatus: domain.StatusDisputed,
		Notes:        notes,
	}
	if job.ChainJobID == nil {
		req.ChainJobID = chainID
	}
	updated, eff, err := a.settle(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger resolved (%s) but job transition failed: %w", receipt.TxRef, err)
	}
	unlock()
	a.Engine.AfterCommit(ctx, eff)
	return Outcome{Decision: d, Receipt: receipt, Job: updated}, nil
}

func (a *Arbiter) settle(ctx context.Context, req engine.TransitionRequest) (domain.Job, engine.Effects, error) {
	tx, err := a.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, engine.Effects{}, err
	}
	defer tx.Rollback()
	job, eff, err := a.Engine.TransitionTx(ctx, tx, req)
	if err != nil {
		return domain.Job{}, engine.Effects{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, engine.Effects{}, err
	}
	return job, eff, nil
}

// Resolve executes an operator decision.
func (a *Arbiter) Resolve(ctx context.Context, jobID string, resolution domain.Resolution, notes, chainRef string) (Outcome, error) {
	return a.Execute(ctx, jobID, Manual{Resolution: resolution, Notes: notes}, chainRef)
}

type AutoResult struct {
	Executed bool            `json:"executed"`
	Decision Decision        `json:"decision"`
	Evidence Evidence        `json:"evidence"`
	Job      domain.Job      `json:"job"`
	Receipt  *ledger.Receipt `json:"receipt,omitempty"`
}

// AutoResolve runs the heuristic, executing it only when asked to.
func (a *Arbiter) AutoResolve(ctx context.Context, jobID string, execute bool) (AutoResult, error) {
	if a.Heuristic == nil {
		return AutoResult{}, errors.New("arbiter: no heuristic configured")
	}
	d, ev, err := a.Analyze(ctx, jobID, a.Heuristic)
	if err != nil {
		return AutoResult{}, err
	}
	res := AutoResult{Decision: d, Evidence: ev, Job: ev.Job}
	if !execute {
		return res, nil
	}
	out, err := a.Execute(ctx, jobID, a.Heuristic, "")
	if err != nil {
		return AutoResult{}, err
	}
	res.Executed = true
	res.Decision = out.Decision
	res.Job = out.Job
	res.Receipt = &out.Receipt
	return res, nil
}

type Timeout struct {
	JobID    string    `json:"job_id"`
	Deadline time.Time `json:"deadline"`
	Source   string    `json:"source" enum:"ledger,local"`
}

// CheckTimeouts reports revisions jobs past their deadline. It never changes state.
func (a *Arbiter) CheckTimeouts(ctx context.Context) ([]Timeout, error) {
	jobs, err := a.Engine.Repo.ListJobs(ctx, repo.JobFilters{Status: domain.StatusRevisions})
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := []Timeout{}
	for _, job := range jobs {
		deadline, source, err := a.deadline(ctx, job)
		if err != nil {
			a.logger().Printf("arbiter: deadline for job %s: %v", job.ID, err)
			continue
		}
		if now.After(deadline) {
			out = append(out, Timeout{JobID: job.ID, Deadline: deadline, Source: source})
		}
	}
	return out, nil
}

func (a *Arbiter) deadline(ctx context.Context, job domain.Job) (time.Time, string, error) {
	if job.ChainJobID != nil && a.Ledger != nil {
		at, ok, err := a.Ledger.RevisionDeadline(ctx, *job.ChainJobID)
		if err != nil {
			a.logger().Printf("arbiter: ledger deadline for job %s: %v", job.ID, err)
		} else if ok {
			return at, "ledger", nil
		}
	}
	updated, err := time.Parse(time.RFC3339, job.UpdatedAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse updated_at: %w", err)
	}
	return updated.Add(a.Deadline), "local", nil
}
