package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/ledger"
	"raidline/internal/points"
	"raidline/internal/repo"
	"raidline/internal/snapshot"
	"raidline/internal/txn"
)

var tracer = otel.Tracer("engine")

type Engine struct {
	DB       *db.DB
	Repo     repo.Repo
	Tx       txn.Coordinator
	Resolver *points.Resolver
	Auth     auth.Service
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(conn *db.DB) Engine {
	r := repo.Repo{}
	return Engine{
		DB:       conn,
		Repo:     r,
		Tx:       txn.Coordinator{DB: conn},
		Resolver: points.NewResolver(r),
		Auth:     auth.Service{Repo: r},
		Log:      logrus.StandardLogger(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) ledger() ledger.Ledger {
	return ledger.Ledger{Repo: e.Repo, Now: e.now, Log: e.log()}
}

func (e Engine) resolver() *points.Resolver {
	if e.Resolver != nil {
		return e.Resolver
	}
	return points.NewResolver(e.Repo)
}

func (e Engine) snapshots() snapshot.Snapshotter {
	return snapshot.Snapshotter{
		Repo:     e.Repo,
		Ledger:   e.ledger(),
		Resolver: e.resolver(),
		Now:      e.now,
		Log:      e.log(),
	}
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ConfigFor returns the stored community config, or the defaults when none
// has been imported.
func (e Engine) ConfigFor(ctx context.Context, communityID string) (*config.Config, error) {
	cfg, err := e.Repo.GetCommunityConfig(ctx, e.DB, communityID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(communityID), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ImportConfig validates and stores a community config.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return domain.Invalid("config", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return domain.ValidationError{Reason: domain.ReasonInvalidInput, Message: err.Error()}
	}
	communityID := cfg.Community.ID
	return e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		now := e.now()
		if err := e.Repo.EnsureCommunity(ctx, q, communityID, cfg.Community.Name, now); err != nil {
			return fmt.Errorf("ensure community: %w", err)
		}
		if err := e.Repo.UpsertCommunityConfig(ctx, q, communityID, cfg, now); err != nil {
			return fmt.Errorf("store config: %w", err)
		}
		return e.events().Append(ctx, q, "config.imported", communityID, "community", communityID, actorID, events.EventPayload{
			"organizer_roles": cfg.Roles.Organizer,
			"hard_mode_key":   cfg.Activities.HardModeKey,
		})
	})
}

// subject resolves the caller's roles, preferring roles asserted by the caller.
func (e Engine) subject(ctx context.Context, communityID, actorID string, roles []string) (auth.Subject, error) {
	if strings.TrimSpace(actorID) == "" {
		return auth.Subject{}, domain.Invalid("actor_id", "is required")
	}
	resolved, err := e.Auth.Roles(ctx, e.DB, communityID, actorID, roles)
	if err != nil {
		return auth.Subject{}, fmt.Errorf("load roles: %w", err)
	}
	return auth.Subject{CommunityID: communityID, ActorID: actorID, Roles: resolved}, nil
}

func (e Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, e.DB, runID)
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, e.DB, f)
}

// ListDueRuns returns runs whose auto-end deadline is at or before now.
func (e Engine) ListDueRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return e.Repo.ListDueRuns(ctx, e.DB, e.now(), limit)
}

// Snapshot returns the members captured at checkpoint n of a run.
func (e Engine) Snapshot(ctx context.Context, communityID, runID string, n int) ([]domain.SnapshotMember, error) {
	run, err := e.Repo.GetRun(ctx, e.DB, runID)
	if err != nil {
		return nil, err
	}
	if run.CommunityID != communityID {
		return nil, repo.ErrNotFound
	}
	if n < 1 || n > run.CheckpointCount {
		return nil, domain.Invalid("checkpoint", fmt.Sprintf("must be within 1..%d", run.CheckpointCount))
	}
	return e.Repo.ListSnapshot(ctx, e.DB, runID, n, false)
}

func (e Engine) ListParticipants(ctx context.Context, runID string) ([]domain.Participation, error) {
	return e.Repo.ListJoined(ctx, e.DB, runID)
}

func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, e.DB, f)
}
