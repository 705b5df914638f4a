// Package review stores a job's review conversation and turns client
// feedback into a revisions request.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobline/internal/activity"
	"jobline/internal/apperr"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/engine/auth"
	"jobline/internal/hub"
	"jobline/internal/llm"
	"jobline/internal/repo"
)

const (
	FrameUserMessage       = "user_message"
	FrameAssistantMessage  = "assistant_message"
	FrameFeedbackSubmitted = "feedback_submitted"

	maxContent = 8000
)

const assistantPrompt = `You help a client review work delivered by an autonomous agent.
Answer briefly. When the client describes a problem, restate it as a concrete change request.`

type Notifier interface {
	Publish(jobID, frameType string, data any)
}

type Service struct {
	Engine   engine.Engine
	LLM      llm.Client
	Notifier Notifier
	// Timeout bounds the assistant reply.
	Timeout time.Duration
	Logger  *log.Logger
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Service) publish(jobID, typ string, data any) {
	if s.Notifier != nil {
		s.Notifier.Publish(jobID, typ, data)
	}
}

func cleanContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.ValidationError{Field: "content", Reason: "required"}
	}
	if len(content) > maxContent {
		return "", apperr.ValidationError{Field: "content", Reason: fmt.Sprintf("longer than %d bytes", maxContent)}
	}
	return content, nil
}

func (s *Service) newMessage(job domain.Job, role domain.MessageRole, kind domain.MessageKind, content string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Round:     job.RevisionRound,
		Role:      role,
		Kind:      kind,
		Content:   content,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
}

// Messages returns the conversation to either party.
func (s *Service) Messages(ctx context.Context, jobID, actorID string) ([]domain.Message, error) {
	job, err := s.Engine.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireParty(job, actorID, ""); err != nil {
		return nil, err
	}
	return s.Engine.Repo.ListMessages(ctx, job.ID)
}

type Posted struct {
	Message   domain.Message  `json:"message"`
	Assistant *domain.Message `json:"assistant,omitempty"`
}

// PostMessage stores a client message and, when the text provider answers,
// the assistant's reply. Reply failures are logged only.
func (s *Service) PostMessage(ctx context.Context, jobID, actorID, content string) (Posted, error) {
	content, err := cleanContent(content)
	if err != nil {
		return Posted{}, err
	}
	job, err := s.Engine.Job(ctx, jobID)
	if err != nil {
		return Posted{}, err
	}
	if err := auth.RequireParty(job, actorID, domain.RoleClient); err != nil {
		return Posted{}, err
	}
	msg := s.newMessage(job, domain.MessageUser, domain.KindMessage, content)
	if err := s.Engine.Repo.InsertMessage(ctx, nil, msg); err != nil {
		return Posted{}, err
	}
	s.publish(job.ID, FrameUserMessage, msg)

	out := Posted{Message: msg}
	if reply, err := s.reply(ctx, job); err != nil {
		s.logger().Printf("review: assistant reply for job %s: %v", job.ID, err)
	} else if reply != nil {
		out.Assistant = reply
	}
	return out, nil
}

func (s *Service) reply(ctx context.Context, job domain.Job) (*domain.Message, error) {
	if s.LLM == nil {
		return nil, nil
	}
	history, err := s.Engine.Repo.ListMessages(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	req := llm.ChatRequest{Messages: []llm.Message{{Role: "system", Content: assistantPrompt}}, Temperature: 0.3}
	for _, m := range history {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	resp, err := s.LLM.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, errors.New("empty reply")
	}
	msg := s.newMessage(job, domain.MessageAssistant, domain.KindMessage, text)
	if err := s.Engine.Repo.InsertMessage(ctx, nil, msg); err != nil {
		return nil, err
	}
	s.publish(job.ID, FrameAssistantMessage, msg)
	return &msg, nil
}

// SubmitFeedback records the client's feedback and requests revisions. The
// message and the transition commit together so the planner sees the feedback.
func (s *Service) SubmitFeedback(ctx context.Context, jobID, actorID, content string) (domain.Job, error) {
	content, err := cleanContent(content)
	if err != nil {
		return domain.Job{}, err
	}
	eng := s.Engine
	unlock := eng.LockJob(jobID)
	defer unlock()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, err := eng.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, apperr.NotFoundError{Kind: "job", ID: jobID}
		}
		return domain.Job{}, err
	}
	if err := auth.RequireParty(job, actorID, domain.RoleClient); err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.StatusReview && job.Status != domain.StatusFinalReview {
		return domain.Job{}, apperr.ConflictError{Reason: fmt.Sprintf("job %s is %s; feedback is accepted in review or final_review", job.ID, job.Status)}
	}
	msg := s.newMessage(job, domain.MessageUser, domain.KindFeedback, content)
	if err := eng.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return domain.Job{}, err
	}
	if _, err := eng.Activity.Append(ctx, tx, job.ID, actorID, activity.FeedbackSubmitted, activity.Details{
		"message_id": msg.ID, "round": msg.Round,
	}); err != nil {
		return domain.Job{}, err
	}
	updated, eff, err := eng.TransitionTx(ctx, tx, engine.TransitionRequest{
		JobID:        job.ID,
		Target:       domain.StatusRevisions,
		ActorID:      actorID,
		Role:         domain.RoleClient,
		ExpectStatus: job.Status,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	unlock()
	s.publish(job.ID, FrameFeedbackSubmitted, msg)
	eng.AfterCommit(ctx, eff)
	return updated, nil
}

// History replays the stored conversation to new review-stream subscribers.
func (s *Service) History(ctx context.Context, jobID string) ([]hub.Frame, error) {
	msgs, err := s.Engine.Repo.ListMessages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	frames := make([]hub.Frame, 0, len(msgs))
	for _, m := range msgs {
		typ := FrameUserMessage
		switch {
		case m.Kind == domain.KindFeedback:
			typ = FrameFeedbackSubmitted
		case m.Role == domain.MessageAssistant:
			typ = FrameAssistantMessage
		}
		frames = append(frames, hub.Frame{Type: typ, JobID: jobID, Data: m, TS: m.CreatedAt})
	}
	return frames, nil
}
