package server

import (
	"jobline/internal/arbiter"
	"jobline/internal/domain"
	"jobline/internal/ingest"
)

// Request payloads

type CreateJobRequest struct {
	ID string `json:"id,omitempty"`
	// ClientID defaults to the caller.
	ClientID   string `json:"client_id,omitempty"`
	AgentID    string `json:"agent_id"`
	ServiceID  string `json:"service_id,omitempty"`
	Price      string `json:"price,omitempty" example:"25.00"`
	ChainJobID string `json:"chain_job_id,omitempty"`
}

type TransitionRequest struct {
	Target       string               `json:"target" enum:"created,funded,in_progress,review,revisions,final_review,hardening,completed,disputed,refunded"`
	Role         string               `json:"role,omitempty" enum:"client,agent"`
	EscrowTxRef  string               `json:"escrow_tx_ref,omitempty"`
	ChainJobID   string               `json:"chain_job_id,omitempty"`
	Deliverables []domain.Deliverable `json:"deliverables,omitempty"`
	ExpectStatus string               `json:"expect_status,omitempty"`
	Notes        string               `json:"notes,omitempty"`
}

type SyncRequest struct {
	FromBlock *uint64 `json:"from_block,omitempty"`
	Lookback  uint64  `json:"lookback,omitempty"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution" enum:"release,revise,refund"`
	Notes      string `json:"notes,omitempty"`
	ChainRef   string `json:"chain_ref,omitempty"`
}

type AutoResolveRequest struct {
	Execute bool `json:"execute"`
}

type RequestWorkRequest struct {
	JobID string `json:"job_id"`
	Type  string `json:"type" enum:"build,revision,hardening"`
}

type QualityGateRequest struct {
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type CompleteWorkRequest struct {
	Gate         *QualityGateRequest  `json:"quality_gate,omitempty"`
	Deliverables []domain.Deliverable `json:"deliverables,omitempty"`
	Notes        string               `json:"notes,omitempty"`
}

type TaskUpdateRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status" enum:"pending,in_progress,testing,completed"`
	Note   string `json:"note,omitempty"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

// Response payloads. Every success body carries success=true.

type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

type JobResponse struct {
	Success bool       `json:"success"`
	Job     domain.Job `json:"job"`
}

type JobListResponse struct {
	Success bool         `json:"success"`
	Jobs    []domain.Job `json:"jobs"`
}

type TaskResponse struct {
	Success bool        `json:"success"`
	Task    domain.Task `json:"task"`
}

type TaskListResponse struct {
	Success bool          `json:"success"`
	Tasks   []domain.Task `json:"tasks"`
}

type ActivityResponse struct {
	Success  bool                   `json:"success"`
	Activity []domain.ActivityEntry `json:"activity"`
	// NextAfter is the after_id for the following page.
	NextAfter int64 `json:"next_after"`
}

type RemovedResponse struct {
	Success bool `json:"success"`
	Removed int  `json:"removed"`
}

type SyncResponse struct {
	Success bool          `json:"success"`
	Result  ingest.Result `json:"result"`
}

type EvidenceResponse struct {
	Success        bool             `json:"success"`
	Evidence       arbiter.Evidence `json:"evidence"`
	Recommendation arbiter.Decision `json:"recommendation"`
}

type ResolveResponse struct {
	Success bool            `json:"success"`
	Outcome arbiter.Outcome `json:"outcome"`
}

type AutoResolveResponse struct {
	Success bool               `json:"success"`
	Result  arbiter.AutoResult `json:"result"`
}

type TimeoutsResponse struct {
	Success  bool              `json:"success"`
	Timeouts []arbiter.Timeout `json:"timeouts"`
}

type WorkResponse struct {
	Success bool               `json:"success"`
	Work    domain.WorkRequest `json:"work"`
}

type WorkListResponse struct {
	Success bool                 `json:"success"`
	Work    []domain.WorkRequest `json:"work"`
}

type MessagesResponse struct {
	Success  bool             `json:"success"`
	Messages []domain.Message `json:"messages"`
}

type PostMessageResponse struct {
	Success   bool            `json:"success"`
	Message   domain.Message  `json:"message"`
	Assistant *domain.Message `json:"assistant,omitempty"`
}

func gateFromRequest(in *QualityGateRequest) *domain.QualityGate {
	if in == nil {
		return nil
	}
	return &domain.QualityGate{Passed: in.Passed, Summary: in.Summary, Issues: in.Issues, URL: in.URL}
}

func ingestRequest(in SyncRequest) ingest.SyncRequest {
	return ingest.SyncRequest{FromBlock: in.FromBlock, Lookback: in.Lookback}
}

func orEmptyJobs(items []domain.Job) []domain.Job {
	if items == nil {
		return []domain.Job{}
	}
	return items
}

func orEmptyTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
