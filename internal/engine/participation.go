package engine

import (
	"context"
	"fmt"
	"strings"

	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/events"
	"raidline/internal/txn"
)

type ParticipationOptions struct {
	CommunityID string
	RunID       string
	ActorID     string
	Join        bool
}

// SetParticipation joins or leaves a run that has not ended. It reports
// false when leaving a run the actor had not joined.
func (e Engine) SetParticipation(ctx context.Context, opts ParticipationOptions) (bool, error) {
	run, err := e.openRun(ctx, opts.CommunityID, opts.RunID, opts.ActorID)
	if err != nil {
		return false, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (bool, error) {
		if err := e.ensureNotEnded(ctx, q, run.ID); err != nil {
			return false, err
		}
		evtType := "participation.joined"
		if opts.Join {
			if err := e.Repo.EnsureActor(ctx, q, opts.ActorID, e.now()); err != nil {
				return false, fmt.Errorf("ensure actor: %w", err)
			}
			if err := e.Repo.Join(ctx, q, run.ID, opts.ActorID, e.now()); err != nil {
				return false, fmt.Errorf("join: %w", err)
			}
		} else {
			evtType = "participation.left"
			left, err := e.Repo.Leave(ctx, q, run.ID, opts.ActorID)
			if err != nil {
				return false, fmt.Errorf("leave: %w", err)
			}
			if !left {
				return false, nil
			}
		}
		if err := e.events().Append(ctx, q, evtType, run.CommunityID, "run", run.ID, opts.ActorID, nil); err != nil {
			return false, err
		}
		return true, nil
	})
}

type TagOptions struct {
	CommunityID string
	RunID       string
	ActorID     string
	Tag         string
}

// SetActivityTag records the class or role an actor brings to the run.
func (e Engine) SetActivityTag(ctx context.Context, opts TagOptions) error {
	run, err := e.openRun(ctx, opts.CommunityID, opts.RunID, opts.ActorID)
	if err != nil {
		return err
	}
	tag := strings.TrimSpace(opts.Tag)
	return e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		if err := e.ensureNotEnded(ctx, q, run.ID); err != nil {
			return err
		}
		ok, err := e.Repo.SetClassTag(ctx, q, run.ID, opts.ActorID, tag, e.now())
		if err != nil {
			return fmt.Errorf("set tag: %w", err)
		}
		if !ok {
			return domain.StateError{
				Reason:  domain.ReasonNotJoined,
				Current: run.Status,
				Message: fmt.Sprintf("actor %s has not joined run %s", opts.ActorID, run.ID),
			}
		}
		return e.events().Append(ctx, q, "participation.tagged", run.CommunityID, "run", run.ID, opts.ActorID, events.EventPayload{"tag": tag})
	})
}

type KeyReactionOptions struct {
	CommunityID string
	RunID       string
	ActorID     string
	KeyType     string
}

// ToggleKeyReaction flips an "I bring a key" marker and returns whether it
// is now set.
func (e Engine) ToggleKeyReaction(ctx context.Context, opts KeyReactionOptions) (bool, error) {
	keyType := strings.TrimSpace(opts.KeyType)
	if keyType == "" {
		return false, domain.Invalid("key_type", "is required")
	}
	run, err := e.openRun(ctx, opts.CommunityID, opts.RunID, opts.ActorID)
	if err != nil {
		return false, err
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (bool, error) {
		if err := e.ensureNotEnded(ctx, q, run.ID); err != nil {
			return false, err
		}
		if err := e.Repo.EnsureActor(ctx, q, opts.ActorID, e.now()); err != nil {
			return false, fmt.Errorf("ensure actor: %w", err)
		}
		active, err := e.Repo.ToggleKeyReaction(ctx, q, run.ID, opts.ActorID, keyType, e.now())
		if err != nil {
			return false, fmt.Errorf("toggle key: %w", err)
		}
		if err := e.events().Append(ctx, q, "key.toggled", run.CommunityID, "run", run.ID, opts.ActorID, events.EventPayload{
			"key_type": keyType,
			"active":   active,
		}); err != nil {
			return false, err
		}
		return active, nil
	})
}

func (e Engine) ListKeyReactions(ctx context.Context, runID string) ([]domain.KeyReaction, error) {
	return e.Repo.ListKeyReactions(ctx, e.DB, runID)
}

func (e Engine) openRun(ctx context.Context, communityID, runID, actorID string) (domain.Run, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Run{}, domain.Invalid("actor_id", "is required")
	}
	run, _, err := e.loadScoped(ctx, communityID, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status == domain.RunEnded {
		return domain.Run{}, runClosed(run)
	}
	return run, nil
}

func (e Engine) ensureNotEnded(ctx context.Context, q db.Querier, runID string) error {
	run, err := e.Repo.GetRun(ctx, q, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunEnded {
		return runClosed(run)
	}
	return nil
}
