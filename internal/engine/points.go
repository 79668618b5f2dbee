package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/ledger"
	"raidline/internal/period"
	"raidline/internal/points"
	"raidline/internal/repo"
	"raidline/internal/txn"
)

// ManualLogOptions credit or reverse runs or key pops logged by hand.
// Count is signed.
type ManualLogOptions struct {
	CommunityID string
	CallerID    string
	CallerRoles []string
	ActorID     string
	ActivityKey string
	Count       int64
}

type ManualLogResult struct {
	AppliedUnits   int64         `json:"applied_units"`
	CreditedPoints points.Amount `json:"credited_points"`
	NewTotal       points.Amount `json:"new_total"`
	Recorded       bool          `json:"recorded"`
}

// LogManualCredit credits the actor's organizer points for runs hosted
// outside the tracker.
func (e Engine) LogManualCredit(ctx context.Context, opts ManualLogOptions) (ManualLogResult, error) {
	return e.logManual(ctx, opts, manualKind{
		category:    points.CategoryOrganizer,
		column:      ledger.ColumnOrganizer,
		action:      domain.ActionRunLogged,
		unitActions: []string{domain.ActionRunCompleted, domain.ActionRunLogged},
		event:       "manual.runs_logged",
	})
}

// LogManualKeyPops credits the actor's raider points for key pops. Negative
// counts reverse earlier credit down to zero.
func (e Engine) LogManualKeyPops(ctx context.Context, opts ManualLogOptions) (ManualLogResult, error) {
	return e.logManual(ctx, opts, manualKind{
		category:    points.CategoryKeyPop,
		column:      ledger.ColumnRaider,
		action:      domain.ActionKeyLogged,
		unitActions: []string{domain.ActionKeyPop, domain.ActionKeyLogged},
		event:       "manual.keys_logged",
	})
}

type manualKind struct {
	category    points.Category
	column      ledger.Column
	action      string
	unitActions []string
	event       string
}

func (e Engine) logManual(ctx context.Context, opts ManualLogOptions, kind manualKind) (ManualLogResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.LogManual")
	defer span.End()

	if opts.Count == 0 {
		return ManualLogResult{}, domain.ValidationError{
			Reason:  domain.ReasonInvalidAmount,
			Message: "count must be non-zero",
			Fields:  map[string]string{"count": "must be non-zero"},
		}
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return ManualLogResult{}, domain.Invalid("actor_id", "is required")
	}
	if strings.TrimSpace(opts.ActivityKey) == "" {
		return ManualLogResult{}, domain.Invalid("activity_key", "is required")
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return ManualLogResult{}, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (ManualLogResult, error) {
		roles, err := e.Repo.ActorRoles(ctx, q, opts.CommunityID, opts.ActorID)
		if err != nil {
			return ManualLogResult{}, fmt.Errorf("actor roles: %w", err)
		}
		value, err := e.resolver().Resolve(ctx, q, opts.CommunityID, kind.category, opts.ActivityKey, roles)
		if err != nil {
			return ManualLogResult{}, fmt.Errorf("resolve points: %w", err)
		}
		res, err := e.ledger().Adjust(ctx, q, ledger.Adjustment{
			CommunityID: opts.CommunityID,
			ActorID:     opts.ActorID,
			Column:      kind.column,
			Delta:       value.Times(opts.Count),
			ActionType:  kind.action,
			ActivityKey: opts.ActivityKey,
			Units:       opts.Count,
			UnitActions: kind.unitActions,
		})
		if err != nil {
			return ManualLogResult{}, err
		}
		if res.Recorded {
			if err := e.events().Append(ctx, q, kind.event, opts.CommunityID, "actor", opts.ActorID, opts.CallerID, events.EventPayload{
				"activity_key":  opts.ActivityKey,
				"requested":     opts.Count,
				"applied_units": res.AppliedUnits,
				"applied":       res.Applied.String(),
			}); err != nil {
				return ManualLogResult{}, err
			}
		}
		return ManualLogResult{
			AppliedUnits:   res.AppliedUnits,
			CreditedPoints: res.Applied,
			NewTotal:       res.NewTotal,
			Recorded:       res.Recorded,
		}, nil
	})
}

// AdjustOptions is a signed correction to one point category.
type AdjustOptions struct {
	CommunityID string
	CallerID    string
	CallerRoles []string
	ActorID     string
	Category    string
	Delta       points.Amount
}

func (e Engine) AdjustPoints(ctx context.Context, opts AdjustOptions) (ledger.AdjustResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.AdjustPoints")
	defer span.End()

	column, err := ledger.ParseColumn(opts.Category)
	if err != nil {
		return ledger.AdjustResult{}, err
	}
	if opts.Delta == 0 {
		return ledger.AdjustResult{}, domain.ValidationError{
			Reason:  domain.ReasonInvalidAmount,
			Message: "amount must be non-zero",
			Fields:  map[string]string{"amount": "must be non-zero"},
		}
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return ledger.AdjustResult{}, domain.Invalid("actor_id", "is required")
	}
	if err := e.requireOrganizer(ctx, opts.CommunityID, opts.CallerID, opts.CallerRoles); err != nil {
		return ledger.AdjustResult{}, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (ledger.AdjustResult, error) {
		res, err := e.ledger().Adjust(ctx, q, ledger.Adjustment{
			CommunityID: opts.CommunityID,
			ActorID:     opts.ActorID,
			Column:      column,
			Delta:       opts.Delta,
		})
		if err != nil {
			return ledger.AdjustResult{}, err
		}
		if err := e.events().Append(ctx, q, "points.adjusted", opts.CommunityID, "actor", opts.ActorID, opts.CallerID, events.EventPayload{
			"category":  string(column),
			"requested": opts.Delta.String(),
			"applied":   res.Applied.String(),
			"new_total": res.NewTotal.String(),
		}); err != nil {
			return ledger.AdjustResult{}, err
		}
		return res, nil
	})
}

// ModerationOptions credit a moderator for one handled ticket.
type ModerationOptions struct {
	CommunityID string
	ActorID     string
	Roles       []string
	Action      string
	TicketID    string
}

type ModerationResult struct {
	Inserted bool               `json:"inserted"`
	Points   points.Amount      `json:"points"`
	Event    domain.LedgerEvent `json:"event"`
}

// RecordModerationAction credits the best per-action value among the quota
// configs of the actor's roles. A repeated ticket id is a no-op.
func (e Engine) RecordModerationAction(ctx context.Context, opts ModerationOptions) (ModerationResult, error) {
	if _, ok := (domain.ModerationPoints{}).For(opts.Action); !ok {
		return ModerationResult{}, domain.Invalid("action", "unknown moderation action")
	}
	sub, err := e.subject(ctx, opts.CommunityID, opts.ActorID, opts.Roles)
	if err != nil {
		return ModerationResult{}, err
	}
	roles := sub.Roles
	if roles == nil {
		roles = []string{}
	}
	configs, err := e.Repo.ListRoleQuotas(ctx, e.DB, opts.CommunityID, roles)
	if err != nil {
		return ModerationResult{}, fmt.Errorf("role quotas: %w", err)
	}
	if len(configs) == 0 {
		return ModerationResult{}, domain.AuthorizationError{
			Reason:  domain.ReasonNotOrganizer,
			Message: fmt.Sprintf("actor %s holds no role with a quota in community %s", opts.ActorID, opts.CommunityID),
		}
	}
	var value points.Amount
	for _, c := range configs {
		if v, _ := c.Moderation.For(opts.Action); v > value {
			value = v
		}
	}
	subject := fmt.Sprintf("mod:%s:%d:%s", opts.Action, e.now().UnixNano(), uuid.NewString())
	if ticket := strings.TrimSpace(opts.TicketID); ticket != "" {
		subject = "mod:" + opts.Action + ":" + ticket
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (ModerationResult, error) {
		inserted, evt, err := e.ledger().Record(ctx, q, ledger.Entry{
			CommunityID:     opts.CommunityID,
			ActorID:         opts.ActorID,
			ActionType:      opts.Action,
			SubjectID:       subject,
			OrganizerPoints: value,
			Units:           1,
		})
		if err != nil {
			return ModerationResult{}, err
		}
		if inserted {
			if err := e.events().Append(ctx, q, "moderation.recorded", opts.CommunityID, "actor", opts.ActorID, opts.ActorID, events.EventPayload{
				"action":    opts.Action,
				"ticket_id": opts.TicketID,
				"points":    value.String(),
			}); err != nil {
				return ModerationResult{}, err
			}
		}
		return ModerationResult{Inserted: inserted, Points: evt.OrganizerPoints, Event: evt}, nil
	})
}

// LeaderboardOptions select a board. With RoleID set and no explicit bounds
// the role's current period scopes the board.
type LeaderboardOptions struct {
	CommunityID string
	Board       string
	ActivityKey string
	RoleID      string
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

func (e Engine) GetLeaderboard(ctx context.Context, opts LeaderboardOptions) ([]domain.LeaderboardEntry, error) {
	board, err := ledger.ParseBoard(opts.Board)
	if err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, domain.Invalid("limit", "must not be negative")
	}
	since, until := opts.Since, opts.Until
	if opts.RoleID != "" && since == nil && until == nil {
		cfg, err := e.Repo.GetRoleQuota(ctx, e.DB, opts.CommunityID, opts.RoleID)
		if err != nil {
			return nil, fmt.Errorf("role %s quota: %w", opts.RoleID, err)
		}
		since, until = period.WindowFor(cfg).Bounds()
	}
	return e.ledger().Leaderboard(ctx, e.DB, ledger.LeaderboardQuery{
		CommunityID: opts.CommunityID,
		Board:       board,
		ActivityKey: opts.ActivityKey,
		Since:       since,
		Until:       until,
		Limit:       opts.Limit,
	})
}

// QuotaStatus reports an actor's earned points in a role's current period.
func (e Engine) QuotaStatus(ctx context.Context, communityID, actorID, roleID string) (domain.QuotaStatus, error) {
	cfg, err := e.Repo.GetRoleQuota(ctx, e.DB, communityID, roleID)
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("role %s quota: %w", roleID, err)
	}
	w := period.WindowFor(cfg)
	since, until := w.Bounds()
	l := e.ledger()
	organizer, err := l.TotalFor(ctx, e.DB, communityID, actorID, ledger.ColumnOrganizer, since, until)
	if err != nil {
		return domain.QuotaStatus{}, err
	}
	raider, err := l.TotalFor(ctx, e.DB, communityID, actorID, ledger.ColumnRaider, since, until)
	if err != nil {
		return domain.QuotaStatus{}, err
	}
	earned := organizer + raider
	return domain.QuotaStatus{
		CommunityID: communityID,
		ActorID:     actorID,
		RoleID:      roleID,
		PeriodStart: w.Start,
		PeriodEnd:   w.End,
		Earned:      earned,
		Required:    cfg.RequiredPoints,
		Met:         earned >= cfg.RequiredPoints,
	}, nil
}

// Totals are an actor's all-time balances.
type Totals struct {
	Raider    points.Amount `json:"raider_points"`
	Organizer points.Amount `json:"organizer_points"`
}

func (e Engine) Totals(ctx context.Context, communityID, actorID string, since, until *time.Time) (Totals, error) {
	l := e.ledger()
	raider, err := l.TotalFor(ctx, e.DB, communityID, actorID, ledger.ColumnRaider, since, until)
	if err != nil {
		return Totals{}, err
	}
	organizer, err := l.TotalFor(ctx, e.DB, communityID, actorID, ledger.ColumnOrganizer, since, until)
	if err != nil {
		return Totals{}, err
	}
	return Totals{Raider: raider, Organizer: organizer}, nil
}

func (e Engine) LedgerEvents(ctx context.Context, f repo.LedgerFilters, limit int) ([]domain.LedgerEvent, error) {
	return e.Repo.ListLedgerEvents(ctx, e.DB, f, limit)
}

func (e Engine) requireOrganizer(ctx context.Context, communityID, callerID string, roles []string) error {
	if strings.TrimSpace(communityID) == "" {
		return domain.Invalid("community_id", "is required")
	}
	cfg, err := e.ConfigFor(ctx, communityID)
	if err != nil {
		return err
	}
	sub, err := e.subject(ctx, communityID, callerID, roles)
	if err != nil {
		return err
	}
	return auth.RequireOrganizer(sub, cfg)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
