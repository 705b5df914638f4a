package domain

import "fmt"

type JobStatus string

const (
	StatusCreated     JobStatus = "created"
	StatusFunded      JobStatus = "funded"
	StatusInProgress  JobStatus = "in_progress"
	StatusReview      JobStatus = "review"
	StatusRevisions   JobStatus = "revisions"
	StatusFinalReview JobStatus = "final_review"
	StatusHardening   JobStatus = "hardening"
	StatusCompleted   JobStatus = "completed"
	StatusDisputed    JobStatus = "disputed"
	StatusRefunded    JobStatus = "refunded"
)

// Statuses lists the job status enum in lifecycle order.
var Statuses = []JobStatus{
	StatusCreated, StatusFunded, StatusInProgress, StatusReview, StatusRevisions,
	StatusFinalReview, StatusHardening, StatusCompleted, StatusDisputed, StatusRefunded,
}

func (s JobStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// ActorRole is the capacity an actor transitions a job in.
type ActorRole string

const (
	RoleClient  ActorRole = "client"
	RoleAgent   ActorRole = "agent"
	RoleArbiter ActorRole = "arbiter"
	RoleLedger  ActorRole = "ledger"
)

type Deliverable struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}

type Job struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"client_id"`
	AgentID       string        `json:"agent_id"`
	ServiceID     string        `json:"service_id,omitempty"`
	Price         string        `json:"price"`
	Status        JobStatus     `json:"status"`
	Deliverables  []Deliverable `json:"deliverables"`
	RevisionRound int           `json:"revision_round"`
	RevisionsFrom JobStatus     `json:"revisions_from,omitempty"`
	EscrowTxRef   *string       `json:"escrow_tx_ref,omitempty"`
	ChainJobID    *string       `json:"chain_job_id,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskTesting    TaskStatus = "testing"
	TaskCompleted  TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskTesting, TaskCompleted:
		return true
	}
	return false
}

type TaskType string

const (
	TaskBuild     TaskType = "build"
	TaskRevision  TaskType = "revision"
	TaskHardening TaskType = "hardening"
)

type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status" enum:"pending,in_progress,testing,completed"`
	Type        TaskType   `json:"type" enum:"build,revision,hardening"`
	OrderIndex  int        `json:"order_index"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type ActivityEntry struct {
	ID      int64  `json:"id"`
	JobID   string `json:"job_id"`
	ActorID string `json:"actor_id"`
	Action  string `json:"action"`
	Details string `json:"details_json"`
	TS      string `json:"ts" format:"date-time"`
}

type ProcessedEvent struct {
	TxRef       string `json:"tx_ref"`
	LogIndex    int    `json:"log_index"`
	EventType   string `json:"event_type"`
	ChainJobID  string `json:"chain_job_id"`
	BlockNumber uint64 `json:"block_number"`
	ProcessedAt string `json:"processed_at" format:"date-time"`
}

type WorkType string

const (
	WorkBuild     WorkType = "build"
	WorkRevision  WorkType = "revision"
	WorkHardening WorkType = "hardening"
)

func (w WorkType) Valid() bool {
	return w == WorkBuild || w == WorkRevision || w == WorkHardening
}

// WorkRequest is an in-memory unit offered to autonomous workers.
type WorkRequest struct {
	ID        string   `json:"id"`
	JobID     string   `json:"job_id"`
	AgentID   string   `json:"agent_id"`
	Type      WorkType `json:"type" enum:"build,revision,hardening"`
	Claimed   bool     `json:"claimed"`
	ClaimedBy string   `json:"claimed_by,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	ClaimedAt string   `json:"claimed_at,omitempty"`
}

type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
)

type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindFeedback MessageKind = "feedback"
)

// Message is one entry of a job's review conversation.
type Message struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Round     int         `json:"round"`
	Role      MessageRole `json:"role" enum:"user,assistant"`
	Kind      MessageKind `json:"kind" enum:"message,feedback"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

// QualityGate is the pass assertion a worker attaches to a completion.
type QualityGate struct {
	ID        string   `json:"id"`
	JobID     string   `json:"job_id"`
	WorkType  WorkType `json:"work_type"`
	Passed    bool     `json:"passed"`
	Summary   string   `json:"summary,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	URL       string   `json:"url,omitempty"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRevise  Resolution = "revise"
	ResolutionRefund  Resolution = "refund"
)

func (r Resolution) Valid() bool {
	return r == ResolutionRelease || r == ResolutionRevise || r == ResolutionRefund
}

// TargetStatus is the job status a resolution settles a dispute into.
func (r Resolution) TargetStatus() JobStatus {
	switch r {
	case ResolutionRelease:
		return StatusCompleted
	case ResolutionRevise:
		return StatusRevisions
	default:
		return StatusRefunded
	}
}

type AgentStats struct {
	AgentID       string `json:"agent_id"`
	CompletedJobs int    `json:"completed_jobs"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
