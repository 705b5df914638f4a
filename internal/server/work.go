package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"jobline/internal/domain"
	"jobline/internal/workqueue"
)

// roleWorker lets a principal act on work units of any agent.
const roleWorker domain.ActorRole = "worker"

type workPath struct {
	UnitID string `path:"unit_id"`
}

func workerFor(ctx context.Context, q *workqueue.Queue, unitID string) (Principal, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	unit, err := q.Get(unitID)
	if err != nil {
		return Principal{}, err
	}
	if p.ActorID != unit.AgentID && !p.HasRole(roleWorker) {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "work unit belongs to another agent", map[string]any{"agent_id": unit.AgentID})
	}
	return p, nil
}

func registerWork(api huma.API, cfg Config) {
	q := cfg.Queue

	huma.Register(api, huma.Operation{
		OperationID:   "request-work",
		Method:        http.MethodPost,
		Path:          "/work",
		Summary:       "Offer a work unit for a job",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body RequestWorkRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		job, _, err := visibleJob(ctx, cfg.Engine, input.Body.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		unit, err := q.Request(ctx, job.ID, job.AgentID, domain.WorkType(input.Body.Type))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: WorkResponse{Success: true, Work: unit}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-work",
		Method:      http.MethodGet,
		Path:        "/work/pending",
		Summary:     "Unclaimed work units",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Type    string `query:"type" enum:"build,revision,hardening"`
	}) (*struct {
		Body WorkListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentID := strings.TrimSpace(input.AgentID)
		if !p.HasRole(roleWorker) {
			if agentID != "" && agentID != p.ActorID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot list another agent's work", nil)
			}
			agentID = p.ActorID
		}
		return &struct {
			Body WorkListResponse `json:"body"`
		}{Body: WorkListResponse{Success: true, Work: q.Pending(agentID, domain.WorkType(input.Type))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-work",
		Method:      http.MethodPost,
		Path:        "/work/{unit_id}/claim",
		Summary:     "Claim a work unit",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *workPath) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		p, err := workerFor(ctx, q, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		unit, err := q.Claim(ctx, input.UnitID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: WorkResponse{Success: true, Work: unit}}, nil
	})

	completions := []struct {
		id, path, summary string
		finish            func(context.Context, workqueue.Completion) (domain.Job, error)
	}{
		{"complete-work", "/work/{unit_id}/complete", "Finish build work (in_progress to review)", q.Complete},
		{"complete-revisions", "/work/{unit_id}/revisions-complete", "Finish revision work", q.RevisionsComplete},
		{"complete-hardening", "/work/{unit_id}/hardening-complete", "Finish hardening work (hardening to completed)", q.HardeningComplete},
	}
	for _, c := range completions {
		finish := c.finish
		huma.Register(api, huma.Operation{
			OperationID: c.id,
			Method:      http.MethodPost,
			Path:        c.path,
			Summary:     c.summary,
			Errors:      errorsWith(http.StatusPreconditionFailed),
		}, func(ctx context.Context, input *struct {
			UnitID string              `path:"unit_id"`
			Body   CompleteWorkRequest `json:"body"`
		}) (*struct {
			Body JobResponse `json:"body"`
		}, error) {
			p, err := workerFor(ctx, q, input.UnitID)
			if err != nil {
				return nil, handleError(err)
			}
			job, err := finish(ctx, workqueue.Completion{
				UnitID:       input.UnitID,
				WorkerID:     p.ActorID,
				Gate:         gateFromRequest(input.Body.Gate),
				Deliverables: input.Body.Deliverables,
				Notes:        input.Body.Notes,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body JobResponse `json:"body"`
			}{Body: JobResponse{Success: true, Job: job}}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "work-task-update",
		Method:      http.MethodPost,
		Path:        "/work/{unit_id}/task-update",
		Summary:     "Report progress on a task",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		UnitID string            `path:"unit_id"`
		Body   TaskUpdateRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, err := workerFor(ctx, q, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := q.TaskUpdate(ctx, input.UnitID, p.ActorID, input.Body.TaskID, domain.TaskStatus(input.Body.Status), input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Success: true, Task: task}}, nil
	})
}
