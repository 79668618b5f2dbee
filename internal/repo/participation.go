package repo

import (
	"context"
	"database/sql"
	"time"

	"raidline/internal/db"
	"raidline/internal/domain"
)

// Join upserts a join row, keeping any class tag already chosen.
func (r Repo) Join(ctx context.Context, q db.Querier, runID, actorID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `INSERT INTO participations(run_id, actor_id, state, updated_at) VALUES (?,?,?,?)
ON CONFLICT(run_id, actor_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		runID, actorID, domain.ParticipationJoin, ts(now))
	return err
}

// Leave removes the participation row. It reports whether a row existed.
func (r Repo) Leave(ctx context.Context, q db.Querier, runID, actorID string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM participations WHERE run_id=? AND actor_id=?`, runID, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetClassTag updates the tag on an existing participation. It reports false
// when the actor has not joined.
func (r Repo) SetClassTag(ctx context.Context, q db.Querier, runID, actorID, tag string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE participations SET class_tag=?, updated_at=? WHERE run_id=? AND actor_id=?`,
		nullable(tag), ts(now), runID, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetParticipation(ctx context.Context, q db.Querier, runID, actorID string) (domain.Participation, error) {
	var p domain.Participation
	var tag sql.NullString
	err := q.QueryRowContext(ctx, `SELECT run_id, actor_id, state, class_tag, updated_at FROM participations WHERE run_id=? AND actor_id=?`,
		runID, actorID).Scan(&p.RunID, &p.ActorID, &p.State, &tag, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.ClassTag = tag.String
	return p, err
}

// ListJoined returns the run's current joiners ordered by actor id.
func (r Repo) ListJoined(ctx context.Context, q db.Querier, runID string) ([]domain.Participation, error) {
	rows, err := q.QueryContext(ctx, `SELECT run_id, actor_id, state, class_tag, updated_at FROM participations WHERE run_id=? AND state=? ORDER BY actor_id`,
		runID, domain.ParticipationJoin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participation
	for rows.Next() {
		var p domain.Participation
		var tag sql.NullString
		if err := rows.Scan(&p.RunID, &p.ActorID, &p.State, &tag, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ClassTag = tag.String
		res = append(res, p)
	}
	return res, rows.Err()
}

// ToggleKeyReaction removes the reaction if present, otherwise inserts it.
// It reports whether the reaction is active afterwards. The delete is the
// read, so no separate lookup can race with the write.
func (r Repo) ToggleKeyReaction(ctx context.Context, q db.Querier, runID, actorID, keyType string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM key_reactions WHERE run_id=? AND actor_id=? AND key_type=?`, runID, actorID, keyType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO key_reactions(run_id, actor_id, key_type, created_at) VALUES (?,?,?,?)`,
		runID, actorID, keyType, ts(now)); err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListKeyReactions(ctx context.Context, q db.Querier, runID string) ([]domain.KeyReaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT run_id, actor_id, key_type, created_at FROM key_reactions WHERE run_id=? ORDER BY created_at, actor_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KeyReaction
	for rows.Next() {
		var k domain.KeyReaction
		if err := rows.Scan(&k.RunID, &k.ActorID, &k.KeyType, &k.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
