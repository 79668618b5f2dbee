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

const quotaColumns = `community_id,role_id,required_points,period_start,period_reset,
verification_points,warning_points,suspension_points,modmail_points,name_edit_points,note_points,updated_at`

func scanQuota(row rowScanner) (domain.RoleQuotaConfig, error) {
	var c domain.RoleQuotaConfig
	var required, verification, warning, suspension, modmail, nameEdit, note int64
	var start, reset string
	err := row.Scan(&c.CommunityID, &c.RoleID, &required, &start, &reset,
		&verification, &warning, &suspension, &modmail, &nameEdit, &note, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.PeriodStart, err = time.Parse(time.RFC3339, start); err != nil {
		return c, fmt.Errorf("period_start: %w", err)
	}
	if c.PeriodReset, err = time.Parse(time.RFC3339, reset); err != nil {
		return c, fmt.Errorf("period_reset: %w", err)
	}
	c.RequiredPoints = points.Amount(required)
	c.Moderation = domain.ModerationPoints{
		Verification: points.Amount(verification),
		Warning:      points.Amount(warning),
		Suspension:   points.Amount(suspension),
		Modmail:      points.Amount(modmail),
		NameEdit:     points.Amount(nameEdit),
		Note:         points.Amount(note),
	}
	return c, nil
}

func (r Repo) UpsertRoleQuota(ctx context.Context, q db.Querier, c domain.RoleQuotaConfig) error {
	m := c.Moderation
	_, err := q.ExecContext(ctx, `INSERT INTO role_quota_configs(`+quotaColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(community_id, role_id) DO UPDATE SET
  required_points=excluded.required_points,
  period_start=excluded.period_start,
  period_reset=excluded.period_reset,
  verification_points=excluded.verification_points,
  warning_points=excluded.warning_points,
  suspension_points=excluded.suspension_points,
  modmail_points=excluded.modmail_points,
  name_edit_points=excluded.name_edit_points,
  note_points=excluded.note_points,
  updated_at=excluded.updated_at`,
		c.CommunityID, c.RoleID, int64(c.RequiredPoints), ts(c.PeriodStart), ts(c.PeriodReset),
		int64(m.Verification), int64(m.Warning), int64(m.Suspension), int64(m.Modmail), int64(m.NameEdit), int64(m.Note),
		c.UpdatedAt)
	return err
}

func (r Repo) GetRoleQuota(ctx context.Context, q db.Querier, communityID, roleID string) (domain.RoleQuotaConfig, error) {
	return scanQuota(q.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM role_quota_configs WHERE community_id=? AND role_id=?`, communityID, roleID))
}

// ListRoleQuotas returns quota configs for a community, optionally limited to roles.
func (r Repo) ListRoleQuotas(ctx context.Context, q db.Querier, communityID string, roles []string) ([]domain.RoleQuotaConfig, error) {
	sel := psql.Select(quotaColumns).From("role_quota_configs").Where(squirrel.Eq{"community_id": communityID})
	if roles != nil {
		if len(roles) == 0 {
			return nil, nil
		}
		sel = sel.Where(squirrel.Eq{"role_id": roles})
	}
	query, args, err := sel.OrderBy("role_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build quota listing: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleQuotaConfig
	for rows.Next() {
		c, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertOverride(ctx context.Context, q db.Querier, o domain.PointOverride) error {
	_, err := q.ExecContext(ctx, `INSERT INTO point_overrides(community_id, category, role_id, activity_key, points, updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(community_id, category, role_id, activity_key) DO UPDATE SET points=excluded.points, updated_at=excluded.updated_at`,
		o.CommunityID, string(o.Category), o.RoleID, o.ActivityKey, int64(o.Points), o.UpdatedAt)
	return err
}

func (r Repo) DeleteOverride(ctx context.Context, q db.Querier, communityID string, category points.Category, roleID, activityKey string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM point_overrides WHERE community_id=? AND category=? AND role_id=? AND activity_key=?`,
		communityID, string(category), roleID, activityKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListOverrides(ctx context.Context, q db.Querier, communityID string) ([]domain.PointOverride, error) {
	rows, err := q.QueryContext(ctx, `SELECT community_id, category, role_id, activity_key, points, updated_at FROM point_overrides
WHERE community_id=? ORDER BY category, activity_key, role_id`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PointOverride
	for rows.Next() {
		var o domain.PointOverride
		var category string
		var value int64
		if err := rows.Scan(&o.CommunityID, &category, &o.RoleID, &o.ActivityKey, &value, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Category = points.Category(category)
		o.Points = points.Amount(value)
		res = append(res, o)
	}
	return res, rows.Err()
}

// MaxOverride implements points.OverrideStore.
func (r Repo) MaxOverride(ctx context.Context, q db.Querier, communityID string, category points.Category, activityKey string, roles []string) (points.Amount, bool, error) {
	sel := psql.Select("MAX(points)").From("point_overrides").Where(squirrel.Eq{
		"community_id": communityID,
		"category":     string(category),
		"activity_key": activityKey,
	})
	if roles != nil {
		sel = sel.Where(squirrel.Eq{"role_id": roles})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build override query: %w", err)
	}
	var value sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		return 0, false, err
	}
	if !value.Valid {
		return 0, false, nil
	}
	return points.Amount(value.Int64), true, nil
}
