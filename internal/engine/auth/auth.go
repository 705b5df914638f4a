// Package auth resolves the capacity an actor acts in on a job.
package auth

import (
	"strings"

	"jobline/internal/apperr"
	"jobline/internal/domain"
)

// Principal is an authenticated caller. Roles carries system roles granted by
// the credential, e.g. "arbiter".
type Principal struct {
	ActorID string
	Roles   []string
}

func (p Principal) HasRole(role domain.ActorRole) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, string(role)) {
			return true
		}
	}
	return false
}

// PartyRole returns client or agent for the actor on job, or UnauthorizedError
// when the actor is neither.
func PartyRole(job domain.Job, actorID string) (domain.ActorRole, error) {
	switch {
	case actorID == "":
		return "", apperr.UnauthorizedError{ActorID: actorID, JobID: job.ID}
	case actorID == job.ClientID:
		return domain.RoleClient, nil
	case actorID == job.AgentID:
		return domain.RoleAgent, nil
	}
	return "", apperr.UnauthorizedError{ActorID: actorID, JobID: job.ID}
}

// ResolveRole checks a requested role against the job. An empty request is
// derived from the job's parties. System roles are trusted here and must be
// checked against the Principal by the caller.
func ResolveRole(job domain.Job, actorID string, requested domain.ActorRole) (domain.ActorRole, error) {
	switch requested {
	case domain.RoleArbiter, domain.RoleLedger:
		return requested, nil
	case "":
		return PartyRole(job, actorID)
	case domain.RoleClient:
		if actorID != "" && actorID == job.ClientID {
			return requested, nil
		}
	case domain.RoleAgent:
		if actorID != "" && actorID == job.AgentID {
			return requested, nil
		}
	default:
		return "", apperr.ValidationError{Field: "role", Reason: "unknown role " + string(requested)}
	}
	return "", apperr.UnauthorizedError{ActorID: actorID, JobID: job.ID}
}

// RequireParty ensures actorID is the job's party in the given role.
func RequireParty(job domain.Job, actorID string, role domain.ActorRole) error {
	_, err := ResolveRole(job, actorID, role)
	return err
}
