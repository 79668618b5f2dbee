// Package snapshot captures who was present at each checkpoint of a run and
// credits them one checkpoint late.
//
// Checkpoint n is credited when checkpoint n+1 is triggered or the run ends,
// so actors who join after a checkpoint are not paid for a clear they did not
// witness.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/ledger"
	"raidline/internal/points"
	"raidline/internal/repo"
)

var tracer = otel.Tracer("snapshot")

type Snapshotter struct {
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Resolver *points.Resolver
	Now      func() time.Time
	Log      logrus.FieldLogger
}

func (s Snapshotter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Snapshotter) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Result describes a processed checkpoint.
type Result struct {
	Checkpoint   int
	Members      int
	WindowEndsAt time.Time
	// Credited counts members of the previous snapshot credited by this call.
	Credited int
	// CreditErr is the logged crediting failure, if any. The checkpoint still happened.
	CreditErr error
}

// ErrCheckpointRace is returned when the run's checkpoint counter moved
// between the read and the update.
var ErrCheckpointRace = domain.ConflictError{
	Reason:  domain.ReasonCheckpointConflict,
	Message: "checkpoint was triggered concurrently; retry",
}

// OnCheckpoint advances run from checkpoint n to n+1, credits snapshot n,
// and snapshots the current joiners as n+1. Crediting failures are logged and
// reported in the result but do not fail the checkpoint.
func (s Snapshotter) OnCheckpoint(ctx context.Context, q db.Querier, run domain.Run, keyHolderID string, window time.Duration) (Result, error) {
	ctx, span := tracer.Start(ctx, "Snapshot.OnCheckpoint")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.Int("checkpoint", run.CheckpointCount))

	n := run.CheckpointCount
	now := s.now()
	res := Result{Checkpoint: n + 1, WindowEndsAt: now.Add(window).UTC()}

	advanced, err := s.Repo.AdvanceCheckpoint(ctx, q, run.ID, n, res.WindowEndsAt)
	if err != nil {
		return Result{}, fmt.Errorf("advance checkpoint: %w", err)
	}
	if !advanced {
		return Result{}, ErrCheckpointRace
	}

	logger := s.log().WithFields(logrus.Fields{
		"run_id":       run.ID,
		"community_id": run.CommunityID,
		"checkpoint":   n,
	})
	if n > 0 {
		err := db.Savepoint(ctx, q, "credit_previous", func() error {
			credited, err := s.creditSnapshot(ctx, q, run, n)
			res.Credited = credited
			return err
		})
		if err != nil {
			res.Credited = 0
			res.CreditErr = err
			span.RecordError(err)
			logger.WithError(err).Error("crediting previous checkpoint failed; left for reconciliation")
		}
	}

	joined, err := s.Repo.ListJoined(ctx, q, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list joiners: %w", err)
	}
	if err := s.Repo.InsertSnapshot(ctx, q, run.ID, n+1, joined); err != nil {
		return Result{}, fmt.Errorf("insert snapshot: %w", err)
	}
	res.Members = len(joined)

	if keyHolderID != "" {
		err := db.Savepoint(ctx, q, "credit_key_pop", func() error {
			return s.creditKeyPop(ctx, q, run, n+1, keyHolderID)
		})
		if err != nil {
			span.RecordError(err)
			logger.WithError(err).WithField("key_holder_id", keyHolderID).Error("key pop credit failed; left for reconciliation")
			if res.CreditErr == nil {
				res.CreditErr = err
			}
		}
	}
	logger.WithFields(logrus.Fields{"members": res.Members, "credited": res.Credited}).Info("checkpoint recorded")
	return res, nil
}

// CreditFinal credits the last snapshot of an ending run, or every current
// joiner when no checkpoint was ever triggered. Errors are returned so the
// surrounding termination rolls back as a whole.
func (s Snapshotter) CreditFinal(ctx context.Context, q db.Querier, run domain.Run) (int, error) {
	ctx, span := tracer.Start(ctx, "Snapshot.CreditFinal")
	defer span.End()

	if run.CheckpointCount > 0 {
		return s.creditSnapshot(ctx, q, run, run.CheckpointCount)
	}
	joined, err := s.Repo.ListJoined(ctx, q, run.ID)
	if err != nil {
		return 0, fmt.Errorf("list joiners: %w", err)
	}
	credited := 0
	for _, p := range joined {
		inserted, err := s.creditRaider(ctx, q, run, 0, p.ActorID)
		if err != nil {
			return credited, err
		}
		if inserted {
			credited++
		}
	}
	return credited, nil
}

func (s Snapshotter) creditSnapshot(ctx context.Context, q db.Querier, run domain.Run, checkpoint int) (int, error) {
	members, err := s.Repo.ListSnapshot(ctx, q, run.ID, checkpoint, true)
	if err != nil {
		return 0, fmt.Errorf("list snapshot %d: %w", checkpoint, err)
	}
	credited := 0
	for _, m := range members {
		inserted, err := s.creditRaider(ctx, q, run, checkpoint, m.ActorID)
		if err != nil {
			return credited, err
		}
		if err := s.Repo.MarkAwarded(ctx, q, run.ID, checkpoint, m.ActorID, s.now()); err != nil {
			return credited, fmt.Errorf("mark awarded: %w", err)
		}
		if inserted {
			credited++
		}
	}
	return credited, nil
}

func (s Snapshotter) creditRaider(ctx context.Context, q db.Querier, run domain.Run, checkpoint int, actorID string) (bool, error) {
	roles, err := s.Repo.ActorRoles(ctx, q, run.CommunityID, actorID)
	if err != nil {
		return false, fmt.Errorf("roles for %s: %w", actorID, err)
	}
	value, err := s.Resolver.Resolve(ctx, q, run.CommunityID, points.CategoryRaider, run.ActivityKey, roles)
	if err != nil {
		return false, fmt.Errorf("resolve raider points: %w", err)
	}
	inserted, _, err := s.Ledger.Record(ctx, q, ledger.Entry{
		CommunityID:  run.CommunityID,
		ActorID:      actorID,
		ActionType:   domain.ActionRaidCompleted,
		SubjectID:    ledger.RaiderSubject(run.ID, checkpoint, actorID),
		ActivityKey:  run.ActivityKey,
		RaiderPoints: value,
		Units:        1,
	})
	return inserted, err
}

func (s Snapshotter) creditKeyPop(ctx context.Context, q db.Querier, run domain.Run, checkpoint int, actorID string) error {
	roles, err := s.Repo.ActorRoles(ctx, q, run.CommunityID, actorID)
	if err != nil {
		return fmt.Errorf("roles for %s: %w", actorID, err)
	}
	value, err := s.Resolver.Resolve(ctx, q, run.CommunityID, points.CategoryKeyPop, run.ActivityKey, roles)
	if err != nil {
		return fmt.Errorf("resolve key pop points: %w", err)
	}
	_, _, err = s.Ledger.Record(ctx, q, ledger.Entry{
		CommunityID:  run.CommunityID,
		ActorID:      actorID,
		ActionType:   domain.ActionKeyPop,
		SubjectID:    ledger.KeyPopSubject(run.ID, checkpoint),
		ActivityKey:  run.ActivityKey,
		RaiderPoints: value,
		Units:        1,
	})
	return err
}
