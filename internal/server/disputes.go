package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"jobline/internal/arbiter"
	"jobline/internal/domain"
)

func registerArbiter(api huma.API, cfg Config) {
	arb := cfg.Arbiter

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/arbiter/disputes",
		Summary:     "List disputed jobs",
		Errors:      errorStatuses,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		if _, err := requireArbiter(ctx); err != nil {
			return nil, err
		}
		jobs, err := arb.ListDisputes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Success: true, Jobs: orEmptyJobs(jobs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-evidence",
		Method:      http.MethodGet,
		Path:        "/arbiter/disputes/{job_id}/evidence",
		Summary:     "Evidence bundle with the heuristic recommendation",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if _, err := requireArbiter(ctx); err != nil {
			return nil, err
		}
		d, ev, err := arb.Analyze(ctx, input.JobID, arb.Heuristic)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: EvidenceResponse{Success: true, Evidence: ev, Recommendation: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/arbiter/disputes/{job_id}/resolve",
		Summary:     "Settle a dispute on the ledger, then off-chain",
		Errors:      errorsWith(http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  ResolveRequest `json:"body"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		if _, err := requireArbiter(ctx); err != nil {
			return nil, err
		}
		out, err := arb.Execute(ctx, input.JobID, arbiter.Manual{
			Resolution: domain.Resolution(input.Body.Resolution),
			Notes:      input.Body.Notes,
		}, input.Body.ChainRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: ResolveResponse{Success: true, Outcome: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/arbiter/disputes/{job_id}/auto-resolve",
		Summary:     "Decide a dispute heuristically, optionally executing it",
		Errors:      errorsWith(http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		JobID string              `path:"job_id"`
		Body  *AutoResolveRequest `json:"body" required:"false"`
	}) (*struct {
		Body AutoResolveResponse `json:"body"`
	}, error) {
		if _, err := requireArbiter(ctx); err != nil {
			return nil, err
		}
		execute := input.Body != nil && input.Body.Execute
		res, err := arb.AutoResolve(ctx, input.JobID, execute)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutoResolveResponse `json:"body"`
		}{Body: AutoResolveResponse{Success: true, Result: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revision-timeouts",
		Method:      http.MethodGet,
		Path:        "/arbiter/timeouts",
		Summary:     "Revisions jobs past their deadline",
		Errors:      errorStatuses,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TimeoutsResponse `json:"body"`
	}, error) {
		if _, err := requireArbiter(ctx); err != nil {
			return nil, err
		}
		timeouts, err := arb.CheckTimeouts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimeoutsResponse `json:"body"`
		}{Body: TimeoutsResponse{Success: true, Timeouts: timeouts}}, nil
	})
}
