// Package ingest reconciles escrow ledger events into job records exactly once.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"jobline/internal/activity"
	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/ledger"
	"jobline/internal/repo"
)

const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"

	ledgerActor = "ledger"
)

type Options struct {
	// Checkpoint names the sync_state row.
	Checkpoint string
	StartBlock uint64
	BatchSize  uint64
	// Lookback makes every Run tick re-scan the latest blocks after the
	// checkpoint pass. Already processed events are skipped.
	Lookback uint64
}

type Ingestor struct {
	Engine engine.Engine
	Ledger ledger.Client
	Opts   Options
	Logger *log.Logger

	group *singleflight.Group
}

func New(eng engine.Engine, client ledger.Client, opts Options) *Ingestor {
	if opts.Checkpoint == "" {
		opts.Checkpoint = "escrow"
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 500
	}
	return &Ingestor{Engine: eng, Ledger: client, Opts: opts, group: &singleflight.Group{}}
}

func (in *Ingestor) logger() *log.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return log.Default()
}

func (in *Ingestor) repo() repo.Repo { return in.Engine.Repo }

func (in *Ingestor) now() time.Time {
	if in.Engine.Now != nil {
		return in.Engine.Now()
	}
	return time.Now()
}

type SyncRequest struct {
	FromBlock *uint64 `json:"from_block,omitempty"`
	Lookback  uint64  `json:"lookback,omitempty"`
}

type Outcome struct {
	TxRef      string `json:"tx_ref"`
	LogIndex   int    `json:"log_index"`
	Block      uint64 `json:"block"`
	Type       string `json:"type"`
	ChainJobID string `json:"chain_job_id"`
	JobID      string `json:"job_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type Result struct {
	From               uint64         `json:"from"`
	To                 uint64         `json:"to"`
	Counts             map[string]int `json:"counts"`
	Processed          int            `json:"processed"`
	Skipped            int            `json:"skipped"`
	Errors             int            `json:"errors"`
	Outcomes           []Outcome      `json:"outcomes"`
	Checkpoint         uint64         `json:"checkpoint"`
	CheckpointAdvanced bool           `json:"checkpoint_advanced"`
}

// Sync reconciles one block range. Concurrent calls with the same request
// share a single run.
func (in *Ingestor) Sync(ctx context.Context, req SyncRequest) (Result, error) {
	key := "checkpoint"
	if req.FromBlock != nil {
		key = fmt.Sprintf("from:%d", *req.FromBlock)
	} else if req.Lookback > 0 {
		key = fmt.Sprintf("lookback:%d", req.Lookback)
	}
	v, err, _ := in.group.Do(key, func() (any, error) {
		return in.sync(ctx, req)
	})
	res, _ := v.(Result)
	return res, err
}

func (in *Ingestor) sync(ctx context.Context, req SyncRequest) (Result, error) {
	res := Result{Counts: map[string]int{}, Outcomes: []Outcome{}}
	checkpoint, hasCheckpoint, err := in.repo().GetCheckpoint(ctx, in.Opts.Checkpoint)
	if err != nil {
		return res, err
	}
	res.Checkpoint = checkpoint
	latest, err := in.Ledger.LatestBlock(ctx)
	if err != nil {
		return res, apperr.ExternalDependencyError{Dependency: "ledger", Err: err}
	}
	res.To = latest
	switch {
	case req.FromBlock != nil:
		res.From = *req.FromBlock
	case req.Lookback > 0:
		if latest > req.Lookback {
			res.From = latest - req.Lookback
		}
	case hasCheckpoint:
		res.From = checkpoint + 1
	default:
		res.From = in.Opts.StartBlock
	}
	if res.From > res.To {
		return res, nil
	}

	for start := res.From; start <= res.To; start += in.Opts.BatchSize {
		end := start + in.Opts.BatchSize - 1
		if end > res.To || end < start {
			end = res.To
		}
		events, err := in.Ledger.Events(ctx, start, end)
		if err != nil {
			return res, apperr.ExternalDependencyError{Dependency: "ledger", Err: err}
		}
		ledger.SortEvents(events)
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			out := in.handle(ctx, ev)
			res.Counts[string(ev.Type)]++
			switch out.Status {
			case OutcomeProcessed:
				res.Processed++
			case OutcomeSkipped:
				res.Skipped++
			default:
				res.Errors++
				in.logger().Printf("ingest: %s %s#%d: %s", ev.Type, ev.TxRef, ev.LogIndex, out.Error)
			}
			res.Outcomes = append(res.Outcomes, out)
		}
		if end == res.To {
			break
		}
	}

	// A range that starts past the checkpoint leaves a gap; it must not
	// move the checkpoint over blocks nobody scanned.
	contiguous := res.From <= in.Opts.StartBlock
	if hasCheckpoint {
		contiguous = res.From <= checkpoint+1
	}
	if res.Errors == 0 && contiguous && (!hasCheckpoint || res.To > checkpoint) {
		now := in.now().UTC().Format(time.RFC3339)
		if err := in.repo().SetCheckpoint(ctx, in.Opts.Checkpoint, res.To, now); err != nil {
			return res, err
		}
		res.Checkpoint = res.To
		res.CheckpointAdvanced = true
	}
	return res, nil
}

// Run syncs immediately and then every interval until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		in.tick(ctx, SyncRequest{})
		if in.Opts.Lookback > 0 {
			in.tick(ctx, SyncRequest{Lookback: in.Opts.Lookback})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (in *Ingestor) tick(ctx context.Context, req SyncRequest) {
	res, err := in.Sync(ctx, req)
	if err != nil && !errors.Is(err, context.Canceled) {
		in.logger().Printf("ingest: sync: %v", err)
	} else if res.Processed > 0 || res.Errors > 0 {
		in.logger().Printf("ingest: blocks %d-%d processed=%d skipped=%d errors=%d", res.From, res.To, res.Processed, res.Skipped, res.Errors)
	}
}

func outcomeFor(ev ledger.Event) Outcome {
	return Outcome{TxRef: ev.TxRef, LogIndex: ev.LogIndex, Block: ev.Block, Type: string(ev.Type), ChainJobID: ev.ChainJobID}
}

// handle applies one event: dedupe check, job resolution, handler and dedupe
// record in a single transaction under the job's lock.
func (in *Ingestor) handle(ctx context.Context, ev ledger.Event) Outcome {
	out := outcomeFor(ev)
	fail := func(err error) Outcome {
		out.Status = OutcomeError
		out.Error = err.Error()
		return out
	}
	done, err := in.repo().HasProcessedEventTx(ctx, nil, ev.TxRef, ev.LogIndex)
	if err != nil {
		return fail(err)
	}
	if done {
		out.Status = OutcomeSkipped
		return out
	}
	candidate, err := in.resolveJob(ctx, nil, ev)
	var nf apperr.NotFoundError
	if errors.As(err, &nf) {
		return in.discard(ctx, ev, out, err)
	}
	if err != nil {
		return fail(err)
	}

	eng := in.Engine
	unlock := eng.LockJob(candidate.ID)
	defer unlock()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()
	done, err = in.repo().HasProcessedEventTx(ctx, tx, ev.TxRef, ev.LogIndex)
	if err != nil {
		return fail(err)
	}
	if done {
		out.Status = OutcomeSkipped
		return out
	}
	job, err := in.resolveJob(ctx, tx, ev)
	if err != nil {
		return fail(err)
	}
	if job.ID != candidate.ID {
		return fail(fmt.Errorf("ledger job %s mapping changed during sync", ev.ChainJobID))
	}
	out.JobID = job.ID
	if job.ChainJobID == nil {
		if err := in.mapJob(ctx, tx, job, ev); err != nil {
			return fail(err)
		}
	}
	eff, err := in.apply(ctx, tx, job, ev)
	if err != nil {
		return fail(err)
	}
	now := in.now().UTC().Format(time.RFC3339)
	if err := in.repo().InsertProcessedEventTx(ctx, tx, domain.ProcessedEvent{
		TxRef: ev.TxRef, LogIndex: ev.LogIndex, EventType: string(ev.Type), ChainJobID: ev.ChainJobID, BlockNumber: ev.Block, ProcessedAt: now,
	}); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	unlock()
	if eff != nil {
		eng.AfterCommit(ctx, *eff)
	}
	out.Status = OutcomeProcessed
	return out
}

// discard records an event no job can be matched to as handled, so it
// neither pins the checkpoint nor gets matched to a job created later.
func (in *Ingestor) discard(ctx context.Context, ev ledger.Event, out Outcome, cause error) Outcome {
	now := in.now().UTC().Format(time.RFC3339)
	err := in.repo().InsertProcessedEventTx(ctx, nil, domain.ProcessedEvent{
		TxRef: ev.TxRef, LogIndex: ev.LogIndex, EventType: string(ev.Type), ChainJobID: ev.ChainJobID, BlockNumber: ev.Block, ProcessedAt: now,
	})
	if err != nil {
		out.Status = OutcomeError
		out.Error = err.Error()
		return out
	}
	in.logger().Printf("ingest: discarded %s %s#%d: %v", ev.Type, ev.TxRef, ev.LogIndex, cause)
	out.Status = OutcomeSkipped
	out.Error = cause.Error()
	return out
}

// candidateStatuses are the statuses an unmapped job may be in to be matched
// heuristically to an event.
func candidateStatuses(typ ledger.EventType) []domain.JobStatus {
	switch typ {
	case ledger.EventJobCreated, ledger.EventJobFunded:
		return []domain.JobStatus{domain.StatusCreated}
	case ledger.EventDisputeResolved:
		return []domain.JobStatus{domain.StatusDisputed}
	}
	var live []domain.JobStatus
	for _, s := range domain.Statuses {
		if !s.Terminal() {
			live = append(live, s)
		}
	}
	return live
}

func (in *Ingestor) resolveJob(ctx context.Context, tx *sql.Tx, ev ledger.Event) (domain.Job, error) {
	r := in.repo()
	if ev.ChainJobID == "" {
		return domain.Job{}, errors.New("event has no ledger job id")
	}
	job, err := r.GetJobByChainIDTx(ctx, tx, ev.ChainJobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}
	if ref := ev.Data[ledger.DataJobRef]; ref != "" {
		job, err := r.GetJobTx(ctx, tx, ref)
		if err == nil {
			if job.ChainJobID != nil && *job.ChainJobID != ev.ChainJobID {
				return domain.Job{}, fmt.Errorf("job %s already mapped to ledger job %s", job.ID, *job.ChainJobID)
			}
			return job, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, err
		}
	}
	job, err = r.FindUnmappedJobTx(ctx, tx, candidateStatuses(ev.Type))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, apperr.NotFoundError{Kind: "job for ledger job", ID: ev.ChainJobID}
	}
	if err != nil {
		return domain.Job{}, err
	}
	if tx != nil {
		in.logger().Printf("ingest: matched ledger job %s to job %s heuristically", ev.ChainJobID, job.ID)
	}
	return job, nil
}

func (in *Ingestor) mapJob(ctx context.Context, tx *sql.Tx, job domain.Job, ev ledger.Event) error {
	now := in.now().UTC().Format(time.RFC3339)
	if err := in.repo().SetChainJobIDTx(ctx, tx, job.ID, ev.ChainJobID, now); err != nil {
		return fmt.Errorf("map job %s to ledger job %s: %w", job.ID, ev.ChainJobID, err)
	}
	_, err := in.Engine.Activity.Append(ctx, tx, job.ID, ledgerActor, activity.JobMapped, activity.Details{
		"chain_job_id": ev.ChainJobID, "tx_ref": ev.TxRef, "event": ev.Type,
	})
	return err
}

// apply runs the event's handler. A nil Effects means no transition happened.
func (in *Ingestor) apply(ctx context.Context, tx *sql.Tx, job domain.Job, ev ledger.Event) (*engine.Effects, error) {
	var target domain.JobStatus
	role := domain.RoleLedger
	switch ev.Type {
	case ledger.EventJobCreated:
		return nil, nil
	case ledger.EventJobFunded:
		if job.Status != domain.StatusCreated {
			return nil, nil
		}
		target = domain.StatusFunded
	case ledger.EventJobDisputed:
		if job.Status == domain.StatusDisputed || job.Status.Terminal() {
			return nil, nil
		}
		target = domain.StatusDisputed
	case ledger.EventFundsReleased:
		if job.Status.Terminal() {
			return nil, nil
		}
		target = domain.StatusCompleted
	case ledger.EventJobRefunded:
		if job.Status.Terminal() {
			return nil, nil
		}
		target = domain.StatusRefunded
	case ledger.EventDisputeResolved:
		resolution := domain.Resolution(ev.Data[ledger.DataResolution])
		if _, err := in.Engine.Activity.Append(ctx, tx, job.ID, ledgerActor, activity.DisputeResolved, activity.Details{
			"resolution": resolution, "tx_ref": ev.TxRef,
		}); err != nil {
			return nil, err
		}
		if job.Status != domain.StatusDisputed {
			return nil, nil
		}
		if !resolution.Valid() {
			return nil, apperr.ValidationError{Field: "resolution", Reason: "unknown resolution " + string(resolution)}
		}
		target = resolution.TargetStatus()
		if resolution == domain.ResolutionRevise {
			// The ledger only settles funds; sending work back is the arbiter's call it confirms.
			role = domain.RoleArbiter
		}
	default:
		return nil, fmt.Errorf("unsupported event type %s", ev.Type)
	}
	req := engine.TransitionRequest{
		JobID:   job.ID,
		Target:  target,
		ActorID: ledgerActor,
		Role:    role,
		Notes:   fmt.Sprintf("%s %s#%d", ev.Type, ev.TxRef, ev.LogIndex),
	}
	if target == domain.StatusFunded {
		req.EscrowTxRef = ev.TxRef
	}
	_, eff, err := in.Engine.TransitionTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	return &eff, nil
}
