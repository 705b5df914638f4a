package repo

import (
	"context"
	"database/sql"

	"jobline/internal/domain"
)

func (r Repo) IncrementCompletedJobsTx(ctx context.Context, tx *sql.Tx, agentID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_stats(agent_id,completed_jobs,updated_at) VALUES (?,1,?)
ON CONFLICT(agent_id) DO UPDATE SET completed_jobs=completed_jobs+1, updated_at=excluded.updated_at`, agentID, now)
	return err
}

// GetAgentStats returns zero counts for agents that never completed a job.
func (r Repo) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, error) {
	s := domain.AgentStats{AgentID: agentID}
	err := r.DB.QueryRowContext(ctx, `SELECT completed_jobs,updated_at FROM agent_stats WHERE agent_id=?`, agentID).
		Scan(&s.CompletedJobs, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, nil
	}
	return s, err
}
