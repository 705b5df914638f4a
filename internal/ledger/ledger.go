// Package ledger reads escrow events from, and submits dispute resolutions
// to, the external escrow ledger.
package ledger

import (
	"context"
	"sort"
	"time"

	"jobline/internal/domain"
)

type EventType string

const (
	EventJobCreated      EventType = "JobCreated"
	EventJobFunded       EventType = "JobFunded"
	EventJobDisputed     EventType = "JobDisputed"
	EventFundsReleased   EventType = "FundsReleased"
	EventJobRefunded     EventType = "JobRefunded"
	EventDisputeResolved EventType = "DisputeResolved"
)

// Event data keys.
const (
	DataJobRef     = "job_ref"
	DataResolution = "resolution"
	DataAmount     = "amount"
)

type Event struct {
	TxRef      string            `json:"tx_ref"`
	LogIndex   int               `json:"log_index"`
	Block      uint64            `json:"block"`
	Type       EventType         `json:"type"`
	ChainJobID string            `json:"chain_job_id"`
	Data       map[string]string `json:"data,omitempty"`
}

type Receipt struct {
	TxRef string `json:"tx_ref"`
	Block uint64 `json:"block"`
}

type Client interface {
	LatestBlock(ctx context.Context) (uint64, error)
	// Events returns events with from <= block <= to.
	Events(ctx context.Context, from, to uint64) ([]Event, error)
	ResolveDispute(ctx context.Context, chainJobID string, resolution domain.Resolution) (Receipt, error)
	// RevisionDeadline reports the ledger's revision deadline, if it tracks one.
	RevisionDeadline(ctx context.Context, chainJobID string) (time.Time, bool, error)
}

// SortEvents orders events by block, then log index.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Block != events[j].Block {
			return events[i].Block < events[j].Block
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
