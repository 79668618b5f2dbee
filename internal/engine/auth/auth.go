package auth

import (
	"context"
	"fmt"
	"strings"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/repo"
)

const (
	// PermSystemAutoEnd lets a principal end runs without actor checks.
	PermSystemAutoEnd = "system.autoend"
	// PermCommunityAdmin lets a principal sync roles and import community config.
	PermCommunityAdmin = "community.admin"
)

// Gate is one accepted way of passing an authorization check.
type Gate string

const (
	// GateOwner passes when the actor organizes the run.
	GateOwner Gate = "owner"
	// GateOrganizer passes when the actor holds a configured organizer role.
	GateOrganizer Gate = "organizer"
)

// Subject is the caller of a mutation.
type Subject struct {
	CommunityID string
	ActorID     string
	Roles       []string
}

// Service resolves caller roles from the store.
type Service struct {
	Repo repo.Repo
}

// Roles returns asserted when the caller supplied roles, otherwise the roles
// last synced for the actor.
func (s Service) Roles(ctx context.Context, q db.Querier, communityID, actorID string, asserted []string) ([]string, error) {
	if asserted != nil {
		return asserted, nil
	}
	return s.Repo.ActorRoles(ctx, q, communityID, actorID)
}

// CheckCommunity denies callers whose asserted community is not the run's.
func CheckCommunity(sub Subject, run domain.Run) error {
	if sub.CommunityID == "" || sub.CommunityID != run.CommunityID {
		return domain.AuthorizationError{
			Reason:  domain.ReasonCommunityMismatch,
			Message: fmt.Sprintf("run %s does not belong to community %s", run.ID, sub.CommunityID),
		}
	}
	return nil
}

// Require checks community scope first, then passes when any gate passes.
func Require(run domain.Run, sub Subject, cfg *config.Config, gates ...Gate) error {
	if err := CheckCommunity(sub, run); err != nil {
		return err
	}
	for _, g := range gates {
		switch g {
		case GateOwner:
			if sub.ActorID != "" && sub.ActorID == run.OrganizerID {
				return nil
			}
		case GateOrganizer:
			if cfg != nil && cfg.IsOrganizer(sub.Roles) {
				return nil
			}
		}
	}
	if len(gates) == 1 && gates[0] == GateOwner {
		return domain.AuthorizationError{
			Reason:  domain.ReasonNotOwner,
			Message: fmt.Sprintf("only the organizer of run %s may do this", run.ID),
		}
	}
	return domain.AuthorizationError{
		Reason:  domain.ReasonNotOrganizer,
		Message: fmt.Sprintf("actor %s is neither owner nor organizer for run %s", sub.ActorID, run.ID),
	}
}

// RequireOrganizer checks the organizer capability outside of any run.
func RequireOrganizer(sub Subject, cfg *config.Config) error {
	if cfg != nil && cfg.IsOrganizer(sub.Roles) {
		return nil
	}
	return domain.AuthorizationError{
		Reason:  domain.ReasonNotOrganizer,
		Message: fmt.Sprintf("actor %s lacks an organizer role in community %s", sub.ActorID, sub.CommunityID),
	}
}

// HasPermission reports whether perms grants perm. A trailing ".*" matches a prefix.
func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == "*" {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
