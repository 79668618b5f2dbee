package repo

import (
	"context"
	"sort"

	"raidline/internal/db"
)

// ActorRoles returns the community roles held by an actor.
func (r Repo) ActorRoles(ctx context.Context, q db.Querier, communityID, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE community_id=? AND actor_id=? ORDER BY role_id`, communityID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ReplaceActorRoles overwrites the stored role set with the one reported by
// the chat platform.
func (r Repo) ReplaceActorRoles(ctx context.Context, q db.Querier, communityID, actorID string, roles []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM actor_roles WHERE community_id=? AND actor_id=?`, communityID, actorID); err != nil {
		return err
	}
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	for _, role := range sorted {
		if role == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO actor_roles(community_id, actor_id, role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			communityID, actorID, role); err != nil {
			return err
		}
	}
	return nil
}
