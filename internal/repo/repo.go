package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jobline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when a compare-and-swap update matched no row.
	ErrStaleVersion = errors.New("stale job version")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, otherwise the pool.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

const jobColumns = `id,client_id,agent_id,COALESCE(service_id,''),price,status,deliverables_json,revision_round,COALESCE(revisions_from,''),escrow_tx_ref,chain_job_id,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                     domain.Job
		status, from, delivJS string
		escrow, chain         sql.NullString
	)
	err := row.Scan(&j.ID, &j.ClientID, &j.AgentID, &j.ServiceID, &j.Price, &status, &delivJS, &j.RevisionRound, &from,
		&escrow, &chain, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	j.RevisionsFrom = domain.JobStatus(from)
	if escrow.Valid {
		j.EscrowTxRef = &escrow.String
	}
	if chain.Valid {
		j.ChainJobID = &chain.String
	}
	j.Deliverables = []domain.Deliverable{}
	if delivJS != "" {
		if err := json.Unmarshal([]byte(delivJS), &j.Deliverables); err != nil {
			return j, fmt.Errorf("decode deliverables for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func marshalDeliverables(d []domain.Deliverable) (string, error) {
	if d == nil {
		d = []domain.Deliverable{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal deliverables: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	deliv, err := marshalDeliverables(j.Deliverables)
	if err != nil {
		return err
	}
	if j.Version == 0 {
		j.Version = 1
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO jobs(id,client_id,agent_id,service_id,price,status,deliverables_json,revision_round,revisions_from,escrow_tx_ref,chain_job_id,version,created_at,updated_at,touch_seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(touch_seq),0)+1 FROM jobs))`,
		j.ID, j.ClientID, j.AgentID, nullable(j.ServiceID), j.Price, string(j.Status), deliv, j.RevisionRound,
		nullable(string(j.RevisionsFrom)), nullableStringPtr(j.EscrowTxRef), nullableStringPtr(j.ChainJobID), j.Version, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return r.GetJobTx(ctx, nil, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// GetJobByChainIDTx resolves the job explicitly mapped to a ledger job id.
func (r Repo) GetJobByChainIDTx(ctx context.Context, tx *sql.Tx, chainJobID string) (domain.Job, error) {
	return scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE chain_job_id=?`, chainJobID))
}

// FindUnmappedJobTx returns the most recently updated job without a ledger
// mapping whose status is one of statuses. Recency is touch_seq, which every
// job write bumps past all others.
func (r Repo) FindUnmappedJobTx(ctx context.Context, tx *sql.Tx, statuses []domain.JobStatus) (domain.Job, error) {
	if len(statuses) == 0 {
		return domain.Job{}, ErrNotFound
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE chain_job_id IS NULL AND status IN (` + strings.Join(placeholders, ",") + `)
ORDER BY touch_seq DESC LIMIT 1`
	return scanJob(r.on(tx).QueryRowContext(ctx, query, args...))
}

type JobFilters struct {
	Status   domain.JobStatus
	ClientID string
	AgentID  string
	// PartyID matches either side of the job.
	PartyID string
	Limit   int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.PartyID != "" {
		clauses = append(clauses, "(client_id=? OR agent_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY touch_seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateJobTx writes the mutable job fields when the stored version still
// equals j.Version, and bumps it. On success j.Version is the new version.
func (r Repo) UpdateJobTx(ctx context.Context, tx *sql.Tx, j *domain.Job) error {
	deliv, err := marshalDeliverables(j.Deliverables)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, deliverables_json=?, revision_round=?, revisions_from=?, escrow_tx_ref=?, chain_job_id=?, version=version+1, updated_at=?,
touch_seq=(SELECT COALESCE(MAX(touch_seq),0)+1 FROM jobs)
WHERE id=? AND version=?`,
		string(j.Status), deliv, j.RevisionRound, nullable(string(j.RevisionsFrom)), nullableStringPtr(j.EscrowTxRef),
		nullableStringPtr(j.ChainJobID), j.UpdatedAt, j.ID, j.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleVersion
	}
	j.Version++
	return nil
}

// SetChainJobIDTx records the ledger mapping for a job that has none yet.
func (r Repo) SetChainJobIDTx(ctx context.Context, tx *sql.Tx, jobID, chainJobID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET chain_job_id=?, version=version+1, updated_at=?, touch_seq=(SELECT COALESCE(MAX(touch_seq),0)+1 FROM jobs) WHERE id=? AND (chain_job_id IS NULL OR chain_job_id=?)`,
		chainJobID, now, jobID, chainJobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}
