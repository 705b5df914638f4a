package repo

import (
	"context"

	"jobline/internal/domain"
)

// ListActivity returns a job's entries oldest first, after the given id.
func (r Repo) ListActivity(ctx context.Context, jobID string, afterID int64, limit int) ([]domain.ActivityEntry, error) {
	query := `SELECT id,job_id,actor_id,action,details_json,ts FROM activity WHERE job_id=? AND id>? ORDER BY id ASC`
	args := []any{jobID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryActivity(ctx, query, args...)
}

// ListActivitySince returns entries across all jobs with id > afterID.
func (r Repo) ListActivitySince(ctx context.Context, afterID int64, limit int) ([]domain.ActivityEntry, error) {
	query := `SELECT id,job_id,actor_id,action,details_json,ts FROM activity WHERE id>? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryActivity(ctx, query, args...)
}

func (r Repo) queryActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.ActorID, &e.Action, &e.Details, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LastActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity`).Scan(&id)
	return id, err
}
