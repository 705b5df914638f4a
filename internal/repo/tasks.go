package repo

import (
	"context"
	"database/sql"

	"jobline/internal/domain"
)

const taskColumns = `id,job_id,title,COALESCE(description,''),status,type,order_index,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, typ string
	err := row.Scan(&t.ID, &t.JobID, &t.Title, &t.Description, &status, &typ, &t.OrderIndex, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Status = domain.TaskStatus(status)
	t.Type = domain.TaskType(typ)
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,job_id,title,description,status,type,order_index,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.JobID, t.Title, nullable(t.Description), string(t.Status), string(t.Type), t.OrderIndex, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns a job's tasks in order_index order.
func (r Repo) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	return r.ListTasksTx(ctx, nil, jobID)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, jobID string) ([]domain.Task, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id=? ORDER BY order_index ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksTx(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

// MaxOrderIndexTx returns the highest order index of a job's tasks, or -1 when it has none.
func (r Repo) MaxOrderIndexTx(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	var max sql.NullInt64
	if err := r.on(tx).QueryRowContext(ctx, `SELECT MAX(order_index) FROM tasks WHERE job_id=?`, jobID).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.TaskStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTasksTx removes every task of a job and reports how many were deleted.
func (r Repo) DeleteTasksTx(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id=?`, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteTasksCreatedSinceTx removes tasks of the given type created at or after since.
func (r Repo) DeleteTasksCreatedSinceTx(ctx context.Context, tx *sql.Tx, jobID string, typ domain.TaskType, since string) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id=? AND type=? AND created_at>=?`, jobID, string(typ), since)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
