package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/engine/auth"
	"jobline/internal/repo"
)

type jobPath struct {
	JobID string `path:"job_id"`
}

// visibleJob loads a job the caller is a party to. Arbiters see every job.
func visibleJob(ctx context.Context, e engine.Engine, jobID string) (domain.Job, Principal, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return domain.Job{}, Principal{}, authErr
	}
	job, err := e.Job(ctx, jobID)
	if err != nil {
		return domain.Job{}, Principal{}, err
	}
	if p.HasRole(domain.RoleArbiter) {
		return job, p, nil
	}
	if err := auth.RequireParty(job, p.ActorID, ""); err != nil {
		return domain.Job{}, Principal{}, err
	}
	return job, p, nil
}

func registerJobs(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		clientID := strings.TrimSpace(input.Body.ClientID)
		if clientID == "" {
			clientID = p.ActorID
		}
		if clientID != p.ActorID && !p.HasRole(domain.RoleArbiter) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "jobs are created by their client", nil)
		}
		job, err := e.CreateJob(ctx, engine.CreateJobInput{
			ID:         input.Body.ID,
			ClientID:   clientID,
			AgentID:    input.Body.AgentID,
			ServiceID:  input.Body.ServiceID,
			Price:      input.Body.Price,
			ChainJobID: input.Body.ChainJobID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Success: true, Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs the caller is a party to",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.JobFilters{Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			status, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": "status"})
			}
			f.Status = status
		}
		if !p.HasRole(domain.RoleArbiter) {
			f.PartyID = p.ActorID
		}
		jobs, err := e.Repo.ListJobs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Success: true, Jobs: orEmptyJobs(jobs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, _, err := visibleJob(ctx, e, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Success: true, Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-tasks",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/tasks",
		Summary:     "List job tasks in order",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		job, _, err := visibleJob(ctx, e, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, job.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Success: true, Tasks: orEmptyTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-activity",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/activity",
		Summary:     "Job activity log",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		JobID   string `path:"job_id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		job, _, err := visibleJob(ctx, e, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListActivity(ctx, job.ID, input.AfterID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.ActivityEntry{}
		}
		next := input.AfterID
		if n := len(entries); n > 0 {
			next = entries[n-1].ID
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: ActivityResponse{Success: true, Activity: entries, NextAfter: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/transitions",
		Summary:     "Move a job to another status",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		JobID string            `path:"job_id"`
		Body  TransitionRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := domain.ActorRole(input.Body.Role)
		if role != "" && role != domain.RoleClient && role != domain.RoleAgent {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "role must be client or agent", map[string]any{"field": "role"})
		}
		job, err := e.AttemptTransition(ctx, engine.TransitionRequest{
			JobID:        input.JobID,
			Target:       domain.JobStatus(input.Body.Target),
			ActorID:      p.ActorID,
			Role:         role,
			EscrowTxRef:  input.Body.EscrowTxRef,
			ChainJobID:   input.Body.ChainJobID,
			Deliverables: input.Body.Deliverables,
			ExpectStatus: domain.JobStatus(input.Body.ExpectStatus),
			Notes:        input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Success: true, Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-job-tasks",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/tasks/reset",
		Summary:     "Delete every task of a job",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body RemovedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ResetTasks(ctx, input.JobID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedResponse `json:"body"`
		}{Body: RemovedResponse{Success: true, Removed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-job-tasks",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/tasks/undo",
		Summary:     "Remove recently planned revision tasks",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body RemovedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := cfg.Planner.Undo(ctx, input.JobID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedResponse `json:"body"`
		}{Body: RemovedResponse{Success: true, Removed: n}}, nil
	})
}

func registerLedger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-sync",
		Method:      http.MethodPost,
		Path:        "/ledger/sync",
		Summary:     "Reconcile escrow ledger events",
		Errors:      errorsWith(http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		Body *SyncRequest `json:"body" required:"false"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.HasRole(domain.RoleArbiter) && !p.HasRole(domain.RoleLedger) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "arbiter or ledger role required", nil)
		}
		var req SyncRequest
		if input.Body != nil {
			req = *input.Body
		}
		res, err := cfg.Ingestor.Sync(ctx, ingestRequest(req))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Success: true, Result: res}}, nil
	})
}
