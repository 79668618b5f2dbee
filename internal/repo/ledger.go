package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/points"
)

const ledgerColumns = `id,community_id,actor_id,action_type,subject_id,activity_key,raider_points,organizer_points,units,created_at`

func scanLedgerEvent(row rowScanner) (domain.LedgerEvent, error) {
	var e domain.LedgerEvent
	var subject, activity sql.NullString
	var raider, organizer int64
	err := row.Scan(&e.ID, &e.CommunityID, &e.ActorID, &e.ActionType, &subject, &activity, &raider, &organizer, &e.Units, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.SubjectID = subject.String
	e.ActivityKey = activity.String
	e.RaiderPoints = points.Amount(raider)
	e.OrganizerPoints = points.Amount(organizer)
	return e, nil
}

// InsertLedgerEvent appends an event unless its subject already exists for
// the community. It reports whether a row was written.
func (r Repo) InsertLedgerEvent(ctx context.Context, q db.Querier, e domain.LedgerEvent) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO ledger_events(`+ledgerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		e.ID, e.CommunityID, e.ActorID, e.ActionType, nullable(e.SubjectID), nullable(e.ActivityKey),
		int64(e.RaiderPoints), int64(e.OrganizerPoints), e.Units, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetLedgerEventBySubject(ctx context.Context, q db.Querier, communityID, subjectID string) (domain.LedgerEvent, error) {
	return scanLedgerEvent(q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_events WHERE community_id=? AND subject_id=?`, communityID, subjectID))
}

// LedgerFilters scopes sums and listings.
type LedgerFilters struct {
	CommunityID string
	ActorID     string
	ActionTypes []string
	ActivityKey string
	Since       *time.Time
	Until       *time.Time
}

func (f LedgerFilters) apply(sel squirrel.SelectBuilder) squirrel.SelectBuilder {
	sel = sel.Where(squirrel.Eq{"community_id": f.CommunityID})
	if f.ActorID != "" {
		sel = sel.Where(squirrel.Eq{"actor_id": f.ActorID})
	}
	if len(f.ActionTypes) > 0 {
		sel = sel.Where(squirrel.Eq{"action_type": f.ActionTypes})
	}
	if f.ActivityKey != "" {
		sel = sel.Where(squirrel.Eq{"activity_key": f.ActivityKey})
	}
	if f.Since != nil {
		sel = sel.Where(squirrel.GtOrEq{"created_at": ts(*f.Since)})
	}
	if f.Until != nil {
		sel = sel.Where(squirrel.Lt{"created_at": ts(*f.Until)})
	}
	return sel
}

// SumLedger sums one integer column (raider_points, organizer_points or units).
func (r Repo) SumLedger(ctx context.Context, q db.Querier, column string, f LedgerFilters) (int64, error) {
	switch column {
	case "raider_points", "organizer_points", "units":
	default:
		return 0, fmt.Errorf("unsupported ledger column %q", column)
	}
	query, args, err := f.apply(psql.Select("COALESCE(CAST(SUM(" + column + ") AS BIGINT), 0)").From("ledger_events")).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build ledger sum: %w", err)
	}
	var total int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// AggregateRow is one actor's aggregated value.
type AggregateRow struct {
	ActorID string
	Value   int64
}

// AggregateLedger groups by actor using expr (a whitelisted aggregate) and
// returns positive values, highest first.
func (r Repo) AggregateLedger(ctx context.Context, q db.Querier, expr string, f LedgerFilters, limit int) ([]AggregateRow, error) {
	switch expr {
	case "SUM(units)", "COUNT(*)", "SUM(raider_points)", "SUM(organizer_points)":
	default:
		return nil, fmt.Errorf("unsupported aggregate %q", expr)
	}
	value := "CAST(" + expr + " AS BIGINT)"
	sel := f.apply(psql.Select("actor_id", value+" AS value").From("ledger_events")).
		GroupBy("actor_id").
		Having(value + " > 0").
		OrderBy("value DESC", "actor_id ASC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build leaderboard query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.ActorID, &row.Value); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// ListLedgerEvents returns events newest first.
func (r Repo) ListLedgerEvents(ctx context.Context, q db.Querier, f LedgerFilters, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query, args, err := f.apply(psql.Select(ledgerColumns).From("ledger_events")).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ledger listing: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		e, err := scanLedgerEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
