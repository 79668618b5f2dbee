package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/events"
	"raidline/internal/period"
	"raidline/internal/points"
	"raidline/internal/repo"
	"raidline/internal/txn"
)

// RoleQuotaOptions configure a role's quota. A new config starts its first
// period now; an existing one keeps its period unless PeriodStart is set.
type RoleQuotaOptions struct {
	CommunityID    string
	CallerID       string
	CallerRoles    []string
	RoleID         string
	RequiredPoints points.Amount
	Moderation     domain.ModerationPoints
	PeriodStart    *time.Time
	PeriodDays     int
}

func (e Engine) SetRoleQuota(ctx context.Context, opts RoleQuotaOptions) (domain.RoleQuotaConfig, error) {
	if strings.TrimSpace(opts.RoleID) == "" {
		return domain.RoleQuotaConfig{}, domain.Invalid("role_id", "is required")
	}
	if opts.PeriodDays < 0 {
		return domain.RoleQuotaConfig{}, domain.Invalid("period_days", "must not be negative")
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return domain.RoleQuotaConfig{}, err
	}
	length, err := e.periodLength(ctx, opts.CommunityID, opts.PeriodDays)
	if err != nil {
		return domain.RoleQuotaConfig{}, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (domain.RoleQuotaConfig, error) {
		now := e.now()
		if err := e.Repo.EnsureCommunity(ctx, q, opts.CommunityID, "", now); err != nil {
			return domain.RoleQuotaConfig{}, fmt.Errorf("ensure community: %w", err)
		}
		cfg, err := e.Repo.GetRoleQuota(ctx, q, opts.CommunityID, opts.RoleID)
		switch {
		case isNotFound(err):
			start := now
			if opts.PeriodStart != nil {
				start = *opts.PeriodStart
			}
			cfg = period.Reset(domain.RoleQuotaConfig{CommunityID: opts.CommunityID, RoleID: opts.RoleID}, start, length)
		case err != nil:
			return domain.RoleQuotaConfig{}, err
		case opts.PeriodStart != nil:
			cfg = period.Reset(cfg, *opts.PeriodStart, length)
		}
		cfg.RequiredPoints = opts.RequiredPoints
		cfg.Moderation = opts.Moderation
		cfg.UpdatedAt = now.UTC().Format(time.RFC3339)
		if err := e.Repo.UpsertRoleQuota(ctx, q, cfg); err != nil {
			return domain.RoleQuotaConfig{}, fmt.Errorf("store quota: %w", err)
		}
		if err := e.events().Append(ctx, q, "quota.set", opts.CommunityID, "role", opts.RoleID, opts.CallerID, events.EventPayload{
			"required_points": cfg.RequiredPoints.String(),
			"period_start":    cfg.PeriodStart.Format(time.RFC3339),
			"period_reset":    cfg.PeriodReset.Format(time.RFC3339),
		}); err != nil {
			return domain.RoleQuotaConfig{}, err
		}
		return cfg, nil
	})
}

type ResetPeriodOptions struct {
	CommunityID string
	CallerID    string
	CallerRoles []string
	RoleID      string
	PeriodDays  int
}

// ResetPeriod starts a new accounting period for a role at the current time.
func (e Engine) ResetPeriod(ctx context.Context, opts ResetPeriodOptions) (domain.RoleQuotaConfig, error) {
	if opts.PeriodDays < 0 {
		return domain.RoleQuotaConfig{}, domain.Invalid("period_days", "must not be negative")
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return domain.RoleQuotaConfig{}, err
	}
	length, err := e.periodLength(ctx, opts.CommunityID, opts.PeriodDays)
	if err != nil {
		return domain.RoleQuotaConfig{}, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (domain.RoleQuotaConfig, error) {
		cfg, err := e.Repo.GetRoleQuota(ctx, q, opts.CommunityID, opts.RoleID)
		if err != nil {
			return domain.RoleQuotaConfig{}, fmt.Errorf("role %s quota: %w", opts.RoleID, err)
		}
		prev := period.WindowFor(cfg)
		cfg = period.Reset(cfg, e.now(), length)
		cfg.UpdatedAt = e.stamp()
		if err := e.Repo.UpsertRoleQuota(ctx, q, cfg); err != nil {
			return domain.RoleQuotaConfig{}, fmt.Errorf("store quota: %w", err)
		}
		if err := e.events().Append(ctx, q, "quota.period_reset", opts.CommunityID, "role", opts.RoleID, opts.CallerID, events.EventPayload{
			"previous_start": prev.Start.Format(time.RFC3339),
			"previous_end":   prev.End.Format(time.RFC3339),
			"period_start":   cfg.PeriodStart.Format(time.RFC3339),
			"period_reset":   cfg.PeriodReset.Format(time.RFC3339),
		}); err != nil {
			return domain.RoleQuotaConfig{}, err
		}
		return cfg, nil
	})
}

func (e Engine) periodLength(ctx context.Context, communityID string, days int) (time.Duration, error) {
	if days > 0 {
		return period.LengthFromDays(days), nil
	}
	cfg, err := e.ConfigFor(ctx, communityID)
	if err != nil {
		return 0, err
	}
	return period.LengthFromDays(cfg.Quota.PeriodDays), nil
}

func (e Engine) ListRoleQuotas(ctx context.Context, communityID string) ([]domain.RoleQuotaConfig, error) {
	return e.Repo.ListRoleQuotas(ctx, e.DB, communityID, nil)
}

// OverrideOptions address one override. An empty RoleID is the
// community-wide override.
type OverrideOptions struct {
	CommunityID string
	CallerID    string
	CallerRoles []string
	Category    string
	RoleID      string
	ActivityKey string
	Points      points.Amount
}

func (e Engine) SetOverride(ctx context.Context, opts OverrideOptions) (domain.PointOverride, error) {
	category, err := points.ParseCategory(opts.Category)
	if err != nil {
		return domain.PointOverride{}, domain.Invalid("category", err.Error())
	}
	if strings.TrimSpace(opts.ActivityKey) == "" {
		return domain.PointOverride{}, domain.Invalid("activity_key", "is required")
	}
	if opts.Points < 0 {
		return domain.PointOverride{}, domain.ValidationError{
			Reason:  domain.ReasonInvalidAmount,
			Message: "override points must not be negative",
			Fields:  map[string]string{"points": "must not be negative"},
		}
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return domain.PointOverride{}, err
	}
	o := domain.PointOverride{
		CommunityID: opts.CommunityID,
		Category:    category,
		RoleID:      strings.TrimSpace(opts.RoleID),
		ActivityKey: opts.ActivityKey,
		Points:      opts.Points,
		UpdatedAt:   e.stamp(),
	}
	err = e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		if err := e.Repo.EnsureCommunity(ctx, q, o.CommunityID, "", e.now()); err != nil {
			return fmt.Errorf("ensure community: %w", err)
		}
		if err := e.Repo.UpsertOverride(ctx, q, o); err != nil {
			return fmt.Errorf("store override: %w", err)
		}
		return e.events().Append(ctx, q, "override.set", o.CommunityID, "override", overrideID(o), opts.CallerID, events.EventPayload{
			"points": o.Points.String(),
		})
	})
	if err != nil {
		return domain.PointOverride{}, err
	}
	e.resolver().Invalidate(o.CommunityID)
	return o, nil
}

// DeleteOverride removes an override and reports whether one existed.
func (e Engine) DeleteOverride(ctx context.Context, opts OverrideOptions) (bool, error) {
	category, err := points.ParseCategory(opts.Category)
	if err != nil {
		return false, domain.Invalid("category", err.Error())
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return false, err
	}
	o := domain.PointOverride{CommunityID: opts.CommunityID, Category: category, RoleID: strings.TrimSpace(opts.RoleID), ActivityKey: opts.ActivityKey}
	deleted, err := txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (bool, error) {
		deleted, err := e.Repo.DeleteOverride(ctx, q, o.CommunityID, o.Category, o.RoleID, o.ActivityKey)
		if err != nil || !deleted {
			return false, err
		}
		return true, e.events().Append(ctx, q, "override.deleted", o.CommunityID, "override", overrideID(o), opts.CallerID, nil)
	})
	if err != nil {
		return false, err
	}
	if deleted {
		e.resolver().Invalidate(o.CommunityID)
	}
	return deleted, nil
}

func (e Engine) ListOverrides(ctx context.Context, communityID string) ([]domain.PointOverride, error) {
	return e.Repo.ListOverrides(ctx, e.DB, communityID)
}

func overrideID(o domain.PointOverride) string {
	role := o.RoleID
	if role == "" {
		role = "*"
	}
	return string(o.Category) + "/" + role + "/" + o.ActivityKey
}

// SetActorRoles replaces the roles an actor holds in a community, as synced
// from the chat platform.
func (e Engine) SetActorRoles(ctx context.Context, communityID, actorID string, roles []string, callerID string) ([]string, error) {
	if strings.TrimSpace(communityID) == "" {
		return nil, domain.Invalid("community_id", "is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, domain.Invalid("actor_id", "is required")
	}
	clean := make([]string, 0, len(roles))
	seen := map[string]bool{}
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		clean = append(clean, r)
	}
	sort.Strings(clean)
	err := e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		now := e.now()
		if err := e.Repo.EnsureCommunity(ctx, q, communityID, "", now); err != nil {
			return fmt.Errorf("ensure community: %w", err)
		}
		if err := e.Repo.EnsureActor(ctx, q, actorID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.ReplaceActorRoles(ctx, q, communityID, actorID, clean); err != nil {
			return fmt.Errorf("replace roles: %w", err)
		}
		return e.events().Append(ctx, q, "roles.synced", communityID, "actor", actorID, callerID, events.EventPayload{"roles": clean})
	})
	if err != nil {
		return nil, err
	}
	return clean, nil
}

func (e Engine) ActorRoles(ctx context.Context, communityID, actorID string) ([]string, error) {
	return e.Repo.ActorRoles(ctx, e.DB, communityID, actorID)
}

// CreateAPIKey issues a key for an actor. The plaintext secret is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, permissions []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", domain.Invalid("actor_id", "is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := "rl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: permissions,
		CreatedAt:   e.stamp(),
	}
	err := e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		if err := e.Repo.EnsureActor(ctx, q, actorID, e.now()); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.InsertAPIKey(ctx, q, key); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}
		return e.events().Append(ctx, q, "apikey.created", "", "api_key", key.ID, actorID, events.EventPayload{
			"name":        name,
			"permissions": permissions,
		})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, e.DB, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	return e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		if err := e.Repo.DeleteAPIKey(ctx, q, id); err != nil {
			return err
		}
		return e.events().Append(ctx, q, "apikey.deleted", "", "api_key", id, actorID, nil)
	})
}
