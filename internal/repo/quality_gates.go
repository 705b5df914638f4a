package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"jobline/internal/domain"
)

func (r Repo) InsertQualityGateTx(ctx context.Context, tx *sql.Tx, g domain.QualityGate) error {
	issues := g.Issues
	if issues == nil {
		issues = []string{}
	}
	data, err := json.Marshal(issues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO quality_gates(id,job_id,work_type,passed,summary,issues_json,url,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		g.ID, g.JobID, string(g.WorkType), g.Passed, nullable(g.Summary), string(data), nullable(g.URL), g.CreatedBy, g.CreatedAt)
	return err
}

func (r Repo) ListQualityGates(ctx context.Context, jobID string) ([]domain.QualityGate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,work_type,passed,COALESCE(summary,''),issues_json,COALESCE(url,''),created_by,created_at
FROM quality_gates WHERE job_id=? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QualityGate
	for rows.Next() {
		var g domain.QualityGate
		var wt, issues string
		if err := rows.Scan(&g.ID, &g.JobID, &wt, &g.Passed, &g.Summary, &issues, &g.URL, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.WorkType = domain.WorkType(wt)
		if issues != "" {
			_ = json.Unmarshal([]byte(issues), &g.Issues)
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
