// Package ledger is the append-only store of point-bearing events.
//
// Every credit carries a subject id. The store refuses a second row with the
// same (community, subject) pair, so a retried credit is reported as not
// inserted rather than applied twice. Corrections are new signed rows.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/points"
	"raidline/internal/repo"
)

var tracer = otel.Tracer("ledger")

// Column is a point column of the ledger.
type Column string

const (
	ColumnRaider    Column = "raider_points"
	ColumnOrganizer Column = "organizer_points"
)

// ParseColumn accepts "raider" or "organizer" as well as the column names.
func ParseColumn(s string) (Column, error) {
	switch s {
	case "raider", string(ColumnRaider):
		return ColumnRaider, nil
	case "organizer", string(ColumnOrganizer):
		return ColumnOrganizer, nil
	default:
		return "", domain.ValidationError{
			Reason:  domain.ReasonInvalidInput,
			Message: fmt.Sprintf("unknown point category %q", s),
			Fields:  map[string]string{"category": "must be raider or organizer"},
		}
	}
}

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
	Log  logrus.FieldLogger
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) log() logrus.FieldLogger {
	if l.Log != nil {
		return l.Log
	}
	return logrus.StandardLogger()
}

// Entry is a credit or debit to append.
type Entry struct {
	CommunityID     string
	ActorID         string
	ActionType      string
	SubjectID       string
	ActivityKey     string
	RaiderPoints    points.Amount
	OrganizerPoints points.Amount
	Units           int64
}

// Record appends e. When the subject already exists the call is a no-op and
// returns inserted=false with the stored event.
func (l Ledger) Record(ctx context.Context, q db.Querier, e Entry) (bool, domain.LedgerEvent, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Record")
	defer span.End()
	span.SetAttributes(attribute.String("action_type", e.ActionType), attribute.String("subject_id", e.SubjectID))

	if e.CommunityID == "" || e.ActorID == "" || e.ActionType == "" {
		return false, domain.LedgerEvent{}, fmt.Errorf("ledger entry requires community, actor and action type")
	}
	now := l.now()
	if err := l.Repo.EnsureCommunity(ctx, q, e.CommunityID, "", now); err != nil {
		return false, domain.LedgerEvent{}, fmt.Errorf("ensure community: %w", err)
	}
	if err := l.Repo.EnsureActor(ctx, q, e.ActorID, now); err != nil {
		return false, domain.LedgerEvent{}, fmt.Errorf("ensure actor: %w", err)
	}
	evt := domain.LedgerEvent{
		ID:              uuid.NewString(),
		CommunityID:     e.CommunityID,
		ActorID:         e.ActorID,
		ActionType:      e.ActionType,
		SubjectID:       e.SubjectID,
		ActivityKey:     e.ActivityKey,
		RaiderPoints:    e.RaiderPoints,
		OrganizerPoints: e.OrganizerPoints,
		Units:           e.Units,
		CreatedAt:       now.UTC().Format(time.RFC3339),
	}
	inserted, err := l.Repo.InsertLedgerEvent(ctx, q, evt)
	if err != nil {
		span.RecordError(err)
		return false, domain.LedgerEvent{}, fmt.Errorf("insert ledger event: %w", err)
	}
	if inserted {
		return true, evt, nil
	}
	existing, err := l.Repo.GetLedgerEventBySubject(ctx, q, e.CommunityID, e.SubjectID)
	if err != nil {
		return false, domain.LedgerEvent{}, fmt.Errorf("load existing ledger event %s: %w", e.SubjectID, err)
	}
	l.log().WithFields(logrus.Fields{
		"community_id": e.CommunityID,
		"subject_id":   e.SubjectID,
		"action_type":  e.ActionType,
	}).Debug("ledger credit already recorded")
	return false, existing, nil
}

// Adjustment is a signed manual change routed through the clamp.
type Adjustment struct {
	CommunityID string
	ActorID     string
	Column      Column
	Delta       points.Amount
	// ActionType defaults to points_adjusted.
	ActionType  string
	ActivityKey string
	// Units is a signed count change, clamped against the unit total of
	// UnitActions. A negative Delta shrinks with the units it reverses.
	Units       int64
	UnitActions []string
}

type AdjustResult struct {
	Applied      points.Amount
	AppliedUnits int64
	NewTotal     points.Amount
	Recorded     bool
	Event        domain.LedgerEvent
}

// Adjust applies a signed delta, never letting the actor's total for the
// column drop below zero. A delta that would overshoot is cut to -total.
func (l Ledger) Adjust(ctx context.Context, q db.Querier, a Adjustment) (AdjustResult, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Adjust")
	defer span.End()

	if a.Column != ColumnRaider && a.Column != ColumnOrganizer {
		return AdjustResult{}, fmt.Errorf("unsupported ledger column %q", a.Column)
	}
	now := l.now()
	if err := l.Repo.EnsureCommunity(ctx, q, a.CommunityID, "", now); err != nil {
		return AdjustResult{}, fmt.Errorf("ensure community: %w", err)
	}
	if err := l.Repo.EnsureActor(ctx, q, a.ActorID, now); err != nil {
		return AdjustResult{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := l.Repo.LockActor(ctx, q, a.ActorID); err != nil {
		return AdjustResult{}, fmt.Errorf("lock actor: %w", err)
	}
	current, err := l.Repo.SumLedger(ctx, q, string(a.Column), repo.LedgerFilters{CommunityID: a.CommunityID, ActorID: a.ActorID})
	if err != nil {
		return AdjustResult{}, fmt.Errorf("current total: %w", err)
	}
	delta := a.Delta
	var appliedUnits int64
	if a.Units != 0 {
		currentUnits, err := l.Repo.SumLedger(ctx, q, "units", repo.LedgerFilters{
			CommunityID: a.CommunityID,
			ActorID:     a.ActorID,
			ActionTypes: a.UnitActions,
		})
		if err != nil {
			return AdjustResult{}, fmt.Errorf("current units: %w", err)
		}
		appliedUnits = Clamp(currentUnits, a.Units)
		if a.Units < 0 && appliedUnits != a.Units {
			// reversals only take back the points of the units actually reversed
			delta = points.Amount(int64(a.Delta) / a.Units * appliedUnits)
		}
	}
	applied := Clamp(points.Amount(current), delta)

	res := AdjustResult{
		Applied:      applied,
		AppliedUnits: appliedUnits,
		NewTotal:     points.Amount(current) + applied,
	}
	if applied == 0 && appliedUnits == 0 {
		return res, nil
	}

	actionType := a.ActionType
	if actionType == "" {
		actionType = domain.ActionAdjusted
	}
	prefix := "adjust"
	if actionType != domain.ActionAdjusted {
		prefix = "manual"
	}
	entry := Entry{
		CommunityID: a.CommunityID,
		ActorID:     a.ActorID,
		ActionType:  actionType,
		SubjectID:   fmt.Sprintf("%s:%d:%s", prefix, now.UnixNano(), uuid.NewString()),
		ActivityKey: a.ActivityKey,
		Units:       appliedUnits,
	}
	if a.Column == ColumnRaider {
		entry.RaiderPoints = applied
	} else {
		entry.OrganizerPoints = applied
	}
	_, evt, err := l.Record(ctx, q, entry)
	if err != nil {
		span.RecordError(err)
		return AdjustResult{}, err
	}
	res.Recorded = true
	res.Event = evt
	if applied != a.Delta || appliedUnits != a.Units {
		l.log().WithFields(logrus.Fields{
			"community_id": a.CommunityID,
			"actor_id":     a.ActorID,
			"requested":    a.Delta.String(),
			"applied":      applied.String(),
		}).Info("adjustment clamped at zero")
	}
	return res, nil
}

// Clamp returns the part of delta that keeps current+delta at or above zero.
func Clamp[T ~int64](current, delta T) T {
	if delta >= 0 || current+delta >= 0 {
		return delta
	}
	if current < 0 {
		return 0
	}
	return -current
}

// TotalFor sums a column for an actor, optionally bounded to [since, until).
func (l Ledger) TotalFor(ctx context.Context, q db.Querier, communityID, actorID string, column Column, since, until *time.Time) (points.Amount, error) {
	ctx, span := tracer.Start(ctx, "Ledger.TotalFor")
	defer span.End()
	total, err := l.Repo.SumLedger(ctx, q, string(column), repo.LedgerFilters{
		CommunityID: communityID,
		ActorID:     actorID,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return 0, err
	}
	return points.Amount(total), nil
}
