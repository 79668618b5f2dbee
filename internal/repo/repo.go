package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
)

// Repo holds the SQL for every table. It owns no connection: each call runs
// on the db.Querier it is handed.
type Repo struct{}

var ErrNotFound = errors.New("not found")

// psql builds statements with ? placeholders; db.Querier rebinds them per dialect.
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EnsureCommunity inserts the community if it does not exist yet.
func (r Repo) EnsureCommunity(ctx context.Context, q db.Querier, communityID, name string, now time.Time) error {
	if strings.TrimSpace(communityID) == "" {
		return errors.New("community_id required")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO communities(id, name, created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		communityID, nullable(name), ts(now))
	return err
}

// EnsureActor inserts the actor if it does not exist yet.
func (r Repo) EnsureActor(ctx context.Context, q db.Querier, actorID string, now time.Time) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("actor_id required")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, ts(now))
	return err
}

func (r Repo) GetCommunity(ctx context.Context, q db.Querier, communityID string) (domain.Community, error) {
	var c domain.Community
	var name sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id, name, created_at FROM communities WHERE id=?`, communityID).Scan(&c.ID, &name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.Name = name.String
	return c, err
}

func (r Repo) ListCommunities(ctx context.Context, q db.Querier) ([]domain.Community, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, created_at FROM communities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Community
	for rows.Next() {
		var c domain.Community
		var name sql.NullString
		if err := rows.Scan(&c.ID, &name, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCommunityConfig(ctx context.Context, q db.Querier, communityID string, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Community.ID = communityID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO community_configs(community_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(community_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, communityID, payload, ts(now))
	return err
}

func (r Repo) GetCommunityConfig(ctx context.Context, q db.Querier, communityID string) (*config.Config, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT config_yaml FROM community_configs WHERE community_id=?`, communityID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("stored config for %s: %w", communityID, err)
	}
	return cfg, nil
}

const eventColumns = `id,ts,type,community_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var community, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &community, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.CommunityID = community.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	CommunityID string
	Type        string
	EntityKind  string
	EntityID    string
	Before      int64
	Limit       int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, q db.Querier, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	sel := psql.Select(strings.Split(eventColumns, ",")...).From("events")
	if f.CommunityID != "" {
		sel = sel.Where(squirrel.Eq{"community_id": f.CommunityID})
	}
	if f.Type != "" {
		sel = sel.Where(squirrel.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		sel = sel.Where(squirrel.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		sel = sel.Where(squirrel.Eq{"entity_id": f.EntityID})
	}
	if f.Before > 0 {
		sel = sel.Where(squirrel.Lt{"id": f.Before})
	}
	query, args, err := sel.OrderBy("id DESC").Limit(uint64(f.Limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build events query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, q db.Querier, limit int, cursor int64, communityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{cursor}
	if communityID != "" {
		query += ` AND community_id=?`
		args = append(args, communityID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a community.
func (r Repo) LatestEventID(ctx context.Context, q db.Querier, communityID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE community_id=?`, communityID).Scan(&id)
	return id, err
}

// LockActor serialises balance reads for an actor until the transaction ends.
// SQLite transactions are already exclusive, so it only issues a row lock on postgres.
func (r Repo) LockActor(ctx context.Context, q db.Querier, actorID string) error {
	if q.Dialect() != db.Postgres {
		return nil
	}
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM actors WHERE id=? FOR UPDATE`, actorID).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}
