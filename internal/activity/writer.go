// Package activity appends entries to a job's audit trail.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Actions recorded on the activity log.
const (
	JobCreated        = "job.created"
	JobStatusChanged  = "job.status_changed"
	JobMapped         = "job.chain_mapped"
	DisputeResolved   = "dispute.resolved"
	TasksPlanned      = "tasks.planned"
	TasksRefined      = "tasks.refined"
	TasksReset        = "tasks.reset"
	TasksUndone       = "tasks.undone"
	TaskUpdated       = "task.updated"
	QualityGateRecord = "quality_gate.recorded"
	FeedbackSubmitted = "review.feedback_submitted"
)

type Details map[string]any

type Writer struct {
	Now func() time.Time
}

// Append writes one entry inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, jobID, actorID, action string, details Details) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal activity details: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO activity(job_id,actor_id,action,details_json,ts) VALUES (?,?,?,?,?)`,
		jobID, actorID, action, string(data), ts)
	if err != nil {
		return 0, fmt.Errorf("append activity %s: %w", action, err)
	}
	return res.LastInsertId()
}
