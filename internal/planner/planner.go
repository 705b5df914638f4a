// Package planner turns revision feedback into tasks: one bulk task inside the
// transition, then a best-effort decomposition into granular tasks.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobline/internal/activity"
	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/llm"
	"jobline/internal/repo"
)

const maxItems = 20

type Notifier interface {
	Publish(jobID, frameType string, data any)
}

type Planner struct {
	DB         *sql.DB
	Repo       repo.Repo
	Activity   activity.Writer
	LLM        llm.Client
	Timeout    time.Duration
	UndoWindow time.Duration
	Notifier   Notifier
	Logger     *log.Logger
	Now        func() time.Time
	// Lock serializes task replacement with other writers of the job.
	Lock func(jobID string) func()
}

func New(db *sql.DB, client llm.Client, timeout, undoWindow time.Duration) *Planner {
	return &Planner{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		LLM:        client,
		Timeout:    timeout,
		UndoWindow: undoWindow,
		Now:        time.Now,
	}
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Planner) lock(jobID string) func() {
	if p.Lock == nil {
		return func() {}
	}
	return p.Lock(jobID)
}

// PlanTx creates the bulk revision task after every existing task. round < 0
// skips the conversation and plans from notes alone.
func (p *Planner) PlanTx(ctx context.Context, tx *sql.Tx, job domain.Job, round int, notes string) (domain.Task, error) {
	var feedback []domain.Message
	if round >= 0 {
		var err error
		feedback, err = p.Repo.ListRoundFeedbackTx(ctx, tx, job.ID, round)
		if err != nil {
			return domain.Task{}, fmt.Errorf("load feedback: %w", err)
		}
	}
	max, err := p.Repo.MaxOrderIndexTx(ctx, tx, job.ID)
	if err != nil {
		return domain.Task{}, err
	}
	now := p.now().UTC().Format(time.RFC3339)
	task := domain.Task{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Title:       bulkTitle(job, round),
		Description: bulkDescription(job, feedback, notes),
		Status:      domain.TaskPending,
		Type:        domain.TaskRevision,
		OrderIndex:  max + 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert revision task: %w", err)
	}
	if _, err := p.Activity.Append(ctx, tx, job.ID, "planner", activity.TasksPlanned, activity.Details{
		"task_id": task.ID, "round": job.RevisionRound, "feedback_items": len(feedback),
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func bulkTitle(job domain.Job, round int) string {
	if round < 0 {
		return "Arbiter-requested revisions"
	}
	return fmt.Sprintf("Revision round %d", job.RevisionRound)
}

func bulkDescription(job domain.Job, feedback []domain.Message, notes string) string {
	var b strings.Builder
	for i, m := range feedback {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(m.Content))
	}
	if n := strings.TrimSpace(notes); n != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Notes: ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return fmt.Sprintf("Address the client's feedback for revision round %d.", job.RevisionRound)
	}
	return strings.TrimRight(b.String(), "\n")
}

type item struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

const decomposePrompt = `You split revision feedback for a software deliverable into independent tasks.
Reply with a JSON array only. Each element is {"title": string, "description": string}.
Keep titles under 80 characters. Do not add tasks the feedback does not ask for.`

// Refine replaces the bulk task with granular tasks when the text provider
// answers in time with a usable list. Every failure leaves the bulk task in place.
func (p *Planner) Refine(ctx context.Context, job domain.Job, bulk domain.Task) {
	if p.LLM == nil {
		return
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	resp, err := p.LLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: decomposePrompt},
			{Role: "user", Content: bulk.Description},
		},
		Temperature: 0.2,
	})
	if err != nil {
		p.logger().Printf("planner: decompose job %s: %v (keeping bulk task)", job.ID, err)
		return
	}
	items, err := parseItems(resp.Content)
	if err != nil {
		p.logger().Printf("planner: decompose job %s: %v (keeping bulk task)", job.ID, err)
		return
	}
	n, err := p.replace(ctx, job, bulk, items)
	if err != nil {
		p.logger().Printf("planner: replace bulk task for job %s: %v", job.ID, err)
		return
	}
	if n > 0 && p.Notifier != nil {
		p.Notifier.Publish(job.ID, "task_update", map[string]any{"reason": "revision_refined", "tasks": n})
	}
}

func (p *Planner) replace(ctx context.Context, job domain.Job, bulk domain.Task, items []item) (int, error) {
	unlock := p.lock(job.ID)
	defer unlock()
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := p.Repo.DeleteTaskTx(ctx, tx, bulk.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Reset or undone in the meantime.
			return 0, nil
		}
		return 0, err
	}
	max, err := p.Repo.MaxOrderIndexTx(ctx, tx, job.ID)
	if err != nil {
		return 0, err
	}
	now := p.now().UTC().Format(time.RFC3339)
	ids := make([]string, 0, len(items))
	for i, it := range items {
		task := domain.Task{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Title:       it.Title,
			Description: it.Description,
			Status:      domain.TaskPending,
			Type:        domain.TaskRevision,
			OrderIndex:  max + 1 + i,
			CreatedAt:   bulk.CreatedAt,
			UpdatedAt:   now,
		}
		if err := p.Repo.InsertTaskTx(ctx, tx, task); err != nil {
			return 0, err
		}
		ids = append(ids, task.ID)
	}
	if _, err := p.Activity.Append(ctx, tx, job.ID, "planner", activity.TasksRefined, activity.Details{
		"replaced": bulk.ID, "task_ids": ids,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}

// parseItems reads a JSON array of items, tolerating surrounding prose and
// fenced code blocks.
func parseItems(content string) ([]item, error) {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "```"); i >= 0 {
		rest := raw[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		raw = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, errors.New("no JSON array in response")
	}
	var decoded []item
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decoded); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	out := make([]item, 0, len(decoded))
	for _, it := range decoded {
		it.Title = strings.TrimSpace(it.Title)
		it.Description = strings.TrimSpace(it.Description)
		if it.Title == "" {
			continue
		}
		out = append(out, it)
		if len(out) == maxItems {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("response contained no usable items")
	}
	return out, nil
}

// Undo deletes revision tasks the planner created within the undo window.
// Only the job's client may undo.
func (p *Planner) Undo(ctx context.Context, jobID, actorID string) (int, error) {
	unlock := p.lock(jobID)
	defer unlock()
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	job, err := p.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, apperr.NotFoundError{Kind: "job", ID: jobID}
		}
		return 0, err
	}
	if err := auth.RequireParty(job, actorID, domain.RoleClient); err != nil {
		return 0, err
	}
	since := p.now().Add(-p.UndoWindow).UTC().Format(time.RFC3339)
	n, err := p.Repo.DeleteTasksCreatedSinceTx(ctx, tx, jobID, domain.TaskRevision, since)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apperr.ConflictError{Reason: "no planner-created tasks within the undo window"}
	}
	if _, err := p.Activity.Append(ctx, tx, jobID, actorID, activity.TasksUndone, activity.Details{"deleted": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if p.Notifier != nil {
		p.Notifier.Publish(jobID, "task_update", map[string]any{"reason": "undo", "deleted": n})
	}
	return n, nil
}
