package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"jobline/internal/domain"
)

func registerReview(api huma.API, cfg Config) {
	svc := cfg.Review

	huma.Register(api, huma.Operation{
		OperationID: "list-review-messages",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/review/messages",
		Summary:     "Review conversation",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body MessagesResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := svc.Messages(ctx, input.JobID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return &struct {
			Body MessagesResponse `json:"body"`
		}{Body: MessagesResponse{Success: true, Messages: msgs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-review-message",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/review/messages",
		Summary:       "Post a client message",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  MessageRequest `json:"body"`
	}) (*struct {
		Body PostMessageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		posted, err := svc.PostMessage(ctx, input.JobID, p.ActorID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PostMessageResponse `json:"body"`
		}{Body: PostMessageResponse{Success: true, Message: posted.Message, Assistant: posted.Assistant}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-review-feedback",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/review/feedback",
		Summary:     "Submit feedback and request revisions",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  MessageRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := svc.SubmitFeedback(ctx, input.JobID, p.ActorID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Success: true, Job: job}}, nil
	})
}
