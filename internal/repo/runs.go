package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"raidline/internal/db"
	"raidline/internal/domain"
)

const runColumns = `id,community_id,organizer_id,activity_key,activity_label,channel_id,party,location,description,screenshot_url,
auto_end_minutes,auto_end_at,status,checkpoint_count,checkpoint_window_ends_at,created_at,started_at,ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var channel, party, location, desc, screenshot, autoEndAt, windowEnds, startedAt, endedAt sql.NullString
	var status string
	err := row.Scan(&run.ID, &run.CommunityID, &run.OrganizerID, &run.ActivityKey, &run.ActivityLabel,
		&channel, &party, &location, &desc, &screenshot,
		&run.AutoEndMinutes, &autoEndAt, &status, &run.CheckpointCount, &windowEnds,
		&run.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	run.ChannelID = channel.String
	run.Party = party.String
	run.Location = location.String
	run.Description = desc.String
	run.ScreenshotURL = screenshot.String
	run.AutoEndAt = autoEndAt.String
	run.CheckpointWindowEndsAt = windowEnds.String
	run.StartedAt = startedAt.String
	run.EndedAt = endedAt.String
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, q db.Querier, run domain.Run) error {
	_, err := q.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CommunityID, run.OrganizerID, run.ActivityKey, run.ActivityLabel,
		nullable(run.ChannelID), nullable(run.Party), nullable(run.Location), nullable(run.Description), nullable(run.ScreenshotURL),
		run.AutoEndMinutes, nullable(run.AutoEndAt), string(run.Status), run.CheckpointCount, nullable(run.CheckpointWindowEndsAt),
		run.CreatedAt, nullable(run.StartedAt), nullable(run.EndedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, q db.Querier, id string) (domain.Run, error) {
	return scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// UpdateRunDetails writes the organizer-editable fields.
func (r Repo) UpdateRunDetails(ctx context.Context, q db.Querier, run domain.Run) error {
	_, err := q.ExecContext(ctx, `UPDATE runs SET party=?, location=?, description=?, screenshot_url=?, channel_id=? WHERE id=?`,
		nullable(run.Party), nullable(run.Location), nullable(run.Description), nullable(run.ScreenshotURL), nullable(run.ChannelID), run.ID)
	return err
}

// UpdateRunStatus moves a run from one status to another. It reports false
// when the run was no longer in the expected status.
func (r Repo) UpdateRunStatus(ctx context.Context, q db.Querier, id string, from, to domain.RunStatus, at time.Time) (bool, error) {
	var query string
	switch to {
	case domain.RunLive:
		query = `UPDATE runs SET status=?, started_at=? WHERE id=? AND status=?`
	case domain.RunEnded:
		query = `UPDATE runs SET status=?, ended_at=? WHERE id=? AND status=?`
	default:
		return false, fmt.Errorf("unsupported target status %s", to)
	}
	res, err := q.ExecContext(ctx, query, string(to), ts(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AdvanceCheckpoint bumps checkpoint_count from n to n+1 while the run is
// live. It reports false when another caller advanced it first.
func (r Repo) AdvanceCheckpoint(ctx context.Context, q db.Querier, id string, n int, windowEndsAt time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE runs SET checkpoint_count=?, checkpoint_window_ends_at=? WHERE id=? AND checkpoint_count=? AND status=?`,
		n+1, ts(windowEndsAt), id, n, string(domain.RunLive))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	CommunityID string
	OrganizerID string
	Status      domain.RunStatus
	Limit       int
}

func (r Repo) ListRuns(ctx context.Context, q db.Querier, f RunFilters) ([]domain.Run, error) {
	sel := psql.Select(runColumns).From("runs")
	if f.CommunityID != "" {
		sel = sel.Where(squirrel.Eq{"community_id": f.CommunityID})
	}
	if f.OrganizerID != "" {
		sel = sel.Where(squirrel.Eq{"organizer_id": f.OrganizerID})
	}
	if f.Status != "" {
		sel = sel.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query, args, err := sel.OrderBy("created_at DESC", "id").Limit(uint64(f.Limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListDueRuns returns non-ended runs whose auto-end deadline has passed.
func (r Repo) ListDueRuns(ctx context.Context, q db.Querier, now time.Time, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := psql.Select(runColumns).From("runs").
		Where(squirrel.NotEq{"status": string(domain.RunEnded)}).
		Where(squirrel.NotEq{"auto_end_at": nil}).
		Where(squirrel.LtOrEq{"auto_end_at": ts(now)}).
		OrderBy("auto_end_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build due runs query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
