// Package apperr holds the error taxonomy shared by the lifecycle components.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError indicates a malformed or incomplete request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError indicates a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError lists the targets the role could have chosen instead.
type InvalidTransitionError struct {
	From    string
	To      string
	Role    string
	Allowed []string
}

func (e InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("invalid transition %s -> %s for %s (allowed: %s)", e.From, e.To, e.Role, allowed)
}

// UnauthorizedError indicates the actor is neither the job's client nor its agent.
type UnauthorizedError struct {
	ActorID string
	JobID   string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s is not a party to job %s", e.ActorID, e.JobID)
}

// ConflictError covers duplicate claims, stale writes and status guards.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// ExternalDependencyError wraps a ledger or text-provider failure.
type ExternalDependencyError struct {
	Dependency string
	Err        error
}

func (e ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e ExternalDependencyError) Unwrap() error { return e.Err }

// PreconditionFailedError indicates a missing or failing quality gate.
type PreconditionFailedError struct {
	Reason string
}

func (e PreconditionFailedError) Error() string { return e.Reason }

// Code returns a stable snake_case code for an error, or "" when unclassified.
func Code(err error) string {
	var (
		ve ValidationError
		nf NotFoundError
		it InvalidTransitionError
		ue UnauthorizedError
		ce ConflictError
		ed ExternalDependencyError
		pf PreconditionFailedError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.As(err, &ue):
		return "unauthorized"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &ed):
		return "external_dependency"
	case errors.As(err, &pf):
		return "precondition_failed"
	}
	return ""
}
