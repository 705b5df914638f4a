package repo

import (
	"context"
	"database/sql"

	"jobline/internal/domain"
)

func (r Repo) HasProcessedEventTx(ctx context.Context, tx *sql.Tx, txRef string, logIndex int) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE tx_ref=? AND log_index=?`, txRef, logIndex).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertProcessedEventTx(ctx context.Context, tx *sql.Tx, e domain.ProcessedEvent) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO processed_events(tx_ref,log_index,event_type,chain_job_id,block_number,processed_at) VALUES (?,?,?,?,?,?)`,
		e.TxRef, e.LogIndex, e.EventType, e.ChainJobID, e.BlockNumber, e.ProcessedAt)
	return err
}

func (r Repo) ListProcessedEvents(ctx context.Context, chainJobID string) ([]domain.ProcessedEvent, error) {
	query := `SELECT tx_ref,log_index,event_type,chain_job_id,block_number,processed_at FROM processed_events`
	var args []any
	if chainJobID != "" {
		query += ` WHERE chain_job_id=?`
		args = append(args, chainJobID)
	}
	query += ` ORDER BY block_number ASC, log_index ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessedEvent
	for rows.Next() {
		var e domain.ProcessedEvent
		if err := rows.Scan(&e.TxRef, &e.LogIndex, &e.EventType, &e.ChainJobID, &e.BlockNumber, &e.ProcessedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetCheckpoint returns the last fully synced block for name.
func (r Repo) GetCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	var block uint64
	err := r.DB.QueryRowContext(ctx, `SELECT last_block FROM sync_state WHERE name=?`, name).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r Repo) SetCheckpoint(ctx context.Context, name string, block uint64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_state(name,last_block,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_block=excluded.last_block, updated_at=excluded.updated_at`, name, block, now)
	return err
}
