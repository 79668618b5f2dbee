package repo

import (
	"context"
	"database/sql"
	"time"

	"raidline/internal/db"
	"raidline/internal/domain"
)

// InsertSnapshot records the members of a checkpoint. Existing rows are kept.
func (r Repo) InsertSnapshot(ctx context.Context, q db.Querier, runID string, checkpoint int, members []domain.Participation) error {
	for _, m := range members {
		if _, err := q.ExecContext(ctx, `INSERT INTO checkpoint_snapshots(run_id, checkpoint, actor_id, class_tag, awarded) VALUES (?,?,?,?,0)
ON CONFLICT DO NOTHING`, runID, checkpoint, m.ActorID, nullable(m.ClassTag)); err != nil {
			return err
		}
	}
	return nil
}

// ListSnapshot returns the members of a checkpoint. unawardedOnly skips rows
// that were already credited.
func (r Repo) ListSnapshot(ctx context.Context, q db.Querier, runID string, checkpoint int, unawardedOnly bool) ([]domain.SnapshotMember, error) {
	query := `SELECT run_id, checkpoint, actor_id, class_tag, awarded, awarded_at FROM checkpoint_snapshots WHERE run_id=? AND checkpoint=?`
	if unawardedOnly {
		query += ` AND awarded=0`
	}
	query += ` ORDER BY actor_id`
	rows, err := q.QueryContext(ctx, query, runID, checkpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SnapshotMember
	for rows.Next() {
		var m domain.SnapshotMember
		var tag, awardedAt sql.NullString
		var awarded int
		if err := rows.Scan(&m.RunID, &m.Checkpoint, &m.ActorID, &tag, &awarded, &awardedAt); err != nil {
			return nil, err
		}
		m.ClassTag = tag.String
		m.Awarded = awarded == 1
		m.AwardedAt = awardedAt.String
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkAwarded flips a snapshot row to awarded.
func (r Repo) MarkAwarded(ctx context.Context, q db.Querier, runID string, checkpoint int, actorID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE checkpoint_snapshots SET awarded=?, awarded_at=? WHERE run_id=? AND checkpoint=? AND actor_id=? AND awarded=0`,
		boolInt(true), ts(at), runID, checkpoint, actorID)
	return err
}
