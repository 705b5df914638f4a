package repo

import (
	"context"
	"database/sql"

	"jobline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO messages(id,job_id,round,role,kind,content,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.JobID, m.Round, string(m.Role), string(m.Kind), m.Content, m.CreatedAt)
	return err
}

// ListMessages returns the whole conversation of a job in write order.
func (r Repo) ListMessages(ctx context.Context, jobID string) ([]domain.Message, error) {
	return r.listMessages(ctx, nil, `WHERE job_id=?`, jobID)
}

// ListRoundFeedbackTx returns the client-authored entries of one revision round.
func (r Repo) ListRoundFeedbackTx(ctx context.Context, tx *sql.Tx, jobID string, round int) ([]domain.Message, error) {
	return r.listMessages(ctx, tx, `WHERE job_id=? AND round=? AND role='user'`, jobID, round)
}

func (r Repo) listMessages(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.Message, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,job_id,round,role,kind,content,created_at FROM messages `+where+` ORDER BY rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, kind string
		if err := rows.Scan(&m.ID, &m.JobID, &m.Round, &role, &kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		m.Kind = domain.MessageKind(kind)
		res = append(res, m)
	}
	return res, rows.Err()
}
