package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/ledger"
	"raidline/internal/points"
	"raidline/internal/repo"
	"raidline/internal/txn"
)

// CreateRunOptions are parameters for creating a run.
type CreateRunOptions struct {
	ID             string
	CommunityID    string
	OrganizerID    string
	OrganizerRoles []string
	ActivityKey    string
	ActivityLabel  string
	ChannelID      string
	AutoEndMinutes int
	Party          string
	Location       string
	Description    string
	ScreenshotURL  string
}

func (e Engine) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.Run, error) {
	ctx, span := tracer.Start(ctx, "Engine.CreateRun")
	defer span.End()

	fields := map[string]string{}
	if strings.TrimSpace(opts.CommunityID) == "" {
		fields["community_id"] = "required"
	}
	if strings.TrimSpace(opts.OrganizerID) == "" {
		fields["organizer_id"] = "required"
	}
	if strings.TrimSpace(opts.ActivityKey) == "" {
		fields["activity_key"] = "required"
	}
	if opts.AutoEndMinutes < 0 || opts.AutoEndMinutes > config.MaxAutoEndMinutes {
		fields["auto_end_minutes"] = fmt.Sprintf("must be within 0..%d", config.MaxAutoEndMinutes)
	}
	if len(fields) > 0 {
		return domain.Run{}, domain.ValidationError{Reason: domain.ReasonInvalidInput, Message: "invalid run", Fields: fields}
	}
	cfg, err := e.ConfigFor(ctx, opts.CommunityID)
	if err != nil {
		return domain.Run{}, err
	}
	if len(cfg.Activities.Catalog) > 0 {
		if _, ok := cfg.Activities.Catalog[opts.ActivityKey]; !ok {
			return domain.Run{}, domain.Invalid("activity_key", "is not in the community catalog")
		}
	}
	sub, err := e.subject(ctx, opts.CommunityID, opts.OrganizerID, opts.OrganizerRoles)
	if err != nil {
		return domain.Run{}, err
	}
	if err := auth.RequireOrganizer(sub, cfg); err != nil {
		return domain.Run{}, err
	}

	now := e.now().UTC()
	minutes := opts.AutoEndMinutes
	if minutes == 0 {
		minutes = cfg.Runs.DefaultAutoEndMinutes
	}
	label := opts.ActivityLabel
	if label == "" {
		label = cfg.ActivityLabel(opts.ActivityKey)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	run := domain.Run{
		ID:             id,
		CommunityID:    opts.CommunityID,
		OrganizerID:    opts.OrganizerID,
		ActivityKey:    opts.ActivityKey,
		ActivityLabel:  label,
		ChannelID:      opts.ChannelID,
		Party:          strings.TrimSpace(opts.Party),
		Location:       strings.TrimSpace(opts.Location),
		Description:    opts.Description,
		ScreenshotURL:  opts.ScreenshotURL,
		AutoEndMinutes: minutes,
		Status:         domain.RunOpen,
		CreatedAt:      now.Format(time.RFC3339),
	}
	if minutes > 0 {
		run.AutoEndAt = now.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339)
	}

	err = e.Tx.Run(ctx, func(ctx context.Context, q db.Querier) error {
		if err := e.Repo.EnsureCommunity(ctx, q, run.CommunityID, cfg.Community.Name, now); err != nil {
			return fmt.Errorf("ensure community: %w", err)
		}
		if err := e.Repo.EnsureActor(ctx, q, run.OrganizerID, now); err != nil {
			return fmt.Errorf("ensure organizer: %w", err)
		}
		if _, err := e.Repo.GetRun(ctx, q, run.ID); err == nil {
			return domain.ConflictError{Reason: domain.ReasonDuplicateRun, Message: fmt.Sprintf("run %s already exists", run.ID)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertRun(ctx, q, run); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return e.events().Append(ctx, q, "run.created", run.CommunityID, "run", run.ID, run.OrganizerID, events.EventPayload{
			"activity_key":     run.ActivityKey,
			"auto_end_minutes": run.AutoEndMinutes,
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Run{}, err
	}
	return run, nil
}

// UpdateRunOptions carries the organizer-editable fields. Nil leaves a field unchanged.
type UpdateRunOptions struct {
	CommunityID   string
	RunID         string
	ActorID       string
	ActorRoles    []string
	Party         *string
	Location      *string
	Description   *string
	ScreenshotURL *string
	ChannelID     *string
}

func (e Engine) UpdateRunDetails(ctx context.Context, opts UpdateRunOptions) (domain.Run, error) {
	run, cfg, err := e.loadScoped(ctx, opts.CommunityID, opts.RunID)
	if err != nil {
		return domain.Run{}, err
	}
	sub, err := e.subject(ctx, opts.CommunityID, opts.ActorID, opts.ActorRoles)
	if err != nil {
		return domain.Run{}, err
	}
	if err := auth.Require(run, sub, cfg, auth.GateOwner, auth.GateOrganizer); err != nil {
		return domain.Run{}, err
	}
	if run.Status == domain.RunEnded {
		return domain.Run{}, runClosed(run)
	}
	return txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (domain.Run, error) {
		cur, err := e.Repo.GetRun(ctx, q, run.ID)
		if err != nil {
			return domain.Run{}, err
		}
		if cur.Status == domain.RunEnded {
			return domain.Run{}, runClosed(cur)
		}
		changed := []string{}
		set := func(name string, dst *string, v *string) {
			if v != nil {
				*dst = strings.TrimSpace(*v)
				changed = append(changed, name)
			}
		}
		set("party", &cur.Party, opts.Party)
		set("location", &cur.Location, opts.Location)
		set("description", &cur.Description, opts.Description)
		set("screenshot_url", &cur.ScreenshotURL, opts.ScreenshotURL)
		set("channel_id", &cur.ChannelID, opts.ChannelID)
		if len(changed) == 0 {
			return cur, nil
		}
		if err := e.Repo.UpdateRunDetails(ctx, q, cur); err != nil {
			return domain.Run{}, fmt.Errorf("update run: %w", err)
		}
		if err := e.events().Append(ctx, q, "run.updated", cur.CommunityID, "run", cur.ID, opts.ActorID, events.EventPayload{"fields": changed}); err != nil {
			return domain.Run{}, err
		}
		return cur, nil
	})
}

// TransitionOptions request a status change. System skips every actor check
// and may only be set for trusted callers.
type TransitionOptions struct {
	CommunityID string
	RunID       string
	ActorID     string
	ActorRoles  []string
	Status      domain.RunStatus
	System      bool
}

func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Run, error) {
	ctx, span := tracer.Start(ctx, "Engine.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", opts.RunID), attribute.String("status", string(opts.Status)), attribute.Bool("system", opts.System))

	switch opts.Status {
	case domain.RunOpen, domain.RunLive, domain.RunEnded:
	default:
		return domain.Run{}, domain.Invalid("status", "must be open, live or ended")
	}
	var (
		run domain.Run
		cfg *config.Config
		err error
	)
	if opts.System {
		run, err = e.Repo.GetRun(ctx, e.DB, opts.RunID)
		if err != nil {
			return domain.Run{}, err
		}
		cfg, err = e.ConfigFor(ctx, run.CommunityID)
		if err != nil {
			return domain.Run{}, err
		}
	} else {
		run, cfg, err = e.loadScoped(ctx, opts.CommunityID, opts.RunID)
		if err != nil {
			return domain.Run{}, err
		}
		sub, err := e.subject(ctx, opts.CommunityID, opts.ActorID, opts.ActorRoles)
		if err != nil {
			return domain.Run{}, err
		}
		if err := auth.Require(run, sub, cfg, auth.GateOwner, auth.GateOrganizer); err != nil {
			return domain.Run{}, err
		}
	}
	if err := ensureRunTransition(run, opts.Status, opts.System, cfg.IsHardMode(run.ActivityKey)); err != nil {
		return domain.Run{}, err
	}

	actorID := opts.ActorID
	if opts.System && actorID == "" {
		actorID = "system"
	}
	out, err := txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (domain.Run, error) {
		cur, err := e.Repo.GetRun(ctx, q, run.ID)
		if err != nil {
			return domain.Run{}, err
		}
		if err := ensureRunTransition(cur, opts.Status, opts.System, cfg.IsHardMode(cur.ActivityKey)); err != nil {
			return domain.Run{}, err
		}
		if opts.Status == domain.RunEnded {
			return e.endRun(ctx, q, cur, actorID, opts.System)
		}
		ok, err := e.Repo.UpdateRunStatus(ctx, q, cur.ID, cur.Status, opts.Status, e.now())
		if err != nil {
			return domain.Run{}, fmt.Errorf("update run status: %w", err)
		}
		if !ok {
			return domain.Run{}, invalidTransition(cur.Status, opts.Status)
		}
		if err := e.events().Append(ctx, q, "run.started", cur.CommunityID, "run", cur.ID, actorID, events.EventPayload{
			"from": cur.Status,
			"to":   opts.Status,
		}); err != nil {
			return domain.Run{}, err
		}
		return e.Repo.GetRun(ctx, q, cur.ID)
	})
	if err != nil {
		span.RecordError(err)
		return domain.Run{}, err
	}
	return out, nil
}

// endRun closes the run and issues every final credit. Any failure aborts
// the surrounding transaction.
func (e Engine) endRun(ctx context.Context, q db.Querier, run domain.Run, actorID string, system bool) (domain.Run, error) {
	ok, err := e.Repo.UpdateRunStatus(ctx, q, run.ID, run.Status, domain.RunEnded, e.now())
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run status: %w", err)
	}
	if !ok {
		return domain.Run{}, invalidTransition(run.Status, domain.RunEnded)
	}
	roles, err := e.Repo.ActorRoles(ctx, q, run.CommunityID, run.OrganizerID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("organizer roles: %w", err)
	}
	value, err := e.resolver().Resolve(ctx, q, run.CommunityID, points.CategoryOrganizer, run.ActivityKey, roles)
	if err != nil {
		return domain.Run{}, fmt.Errorf("resolve organizer points: %w", err)
	}
	organizerCredited, _, err := e.ledger().Record(ctx, q, ledger.Entry{
		CommunityID:     run.CommunityID,
		ActorID:         run.OrganizerID,
		ActionType:      domain.ActionRunCompleted,
		SubjectID:       ledger.RunSubject(run.ID),
		ActivityKey:     run.ActivityKey,
		OrganizerPoints: value,
		Units:           1,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("credit organizer: %w", err)
	}
	credited, err := e.snapshots().CreditFinal(ctx, q, run)
	if err != nil {
		return domain.Run{}, fmt.Errorf("credit raiders: %w", err)
	}
	if err := e.events().Append(ctx, q, "run.ended", run.CommunityID, "run", run.ID, actorID, events.EventPayload{
		"from":               run.Status,
		"system":             system,
		"checkpoint_count":   run.CheckpointCount,
		"raiders_credited":   credited,
		"organizer_credited": organizerCredited,
	}); err != nil {
		return domain.Run{}, err
	}
	e.log().WithFields(logrus.Fields{
		"run_id":           run.ID,
		"community_id":     run.CommunityID,
		"system":           system,
		"raiders_credited": credited,
	}).Info("run ended")
	return e.Repo.GetRun(ctx, q, run.ID)
}

func ensureRunTransition(run domain.Run, to domain.RunStatus, system, hardMode bool) error {
	switch run.Status {
	case domain.RunOpen:
		switch to {
		case domain.RunLive:
			missing := map[string]string{}
			if strings.TrimSpace(run.Party) == "" {
				missing["party"] = "required"
			}
			if strings.TrimSpace(run.Location) == "" {
				missing["location"] = "required"
			}
			if len(missing) > 0 {
				return domain.ValidationError{
					Reason:  domain.ReasonMissingPartyLocation,
					Message: "party and location must be set before going live",
					Fields:  missing,
				}
			}
			if hardMode && strings.TrimSpace(run.ScreenshotURL) == "" {
				return domain.ValidationError{
					Reason:  domain.ReasonMissingScreenshot,
					Message: "hard mode runs need a screenshot before going live",
					Fields:  map[string]string{"screenshot_url": "required"},
				}
			}
			return nil
		case domain.RunEnded:
			if system {
				return nil
			}
			return domain.StateError{
				Reason:    domain.ReasonRunNotLive,
				Current:   run.Status,
				Requested: to,
				Message:   fmt.Sprintf("run %s is not live", run.ID),
			}
		}
	case domain.RunLive:
		if to == domain.RunEnded {
			return nil
		}
	}
	return invalidTransition(run.Status, to)
}

func invalidTransition(from, to domain.RunStatus) error {
	return domain.StateError{Reason: domain.ReasonInvalidTransition, Current: from, Requested: to}
}

func runClosed(run domain.Run) error {
	return domain.StateError{
		Reason:  domain.ReasonRunClosed,
		Current: run.Status,
		Message: fmt.Sprintf("run %s has ended", run.ID),
	}
}

// loadScoped loads a run and its community config, denying callers that
// assert a different community.
func (e Engine) loadScoped(ctx context.Context, communityID, runID string) (domain.Run, *config.Config, error) {
	if strings.TrimSpace(communityID) == "" {
		return domain.Run{}, nil, domain.Invalid("community_id", "is required")
	}
	run, err := e.Repo.GetRun(ctx, e.DB, runID)
	if err != nil {
		return domain.Run{}, nil, err
	}
	if err := auth.CheckCommunity(auth.Subject{CommunityID: communityID}, run); err != nil {
		return domain.Run{}, nil, err
	}
	cfg, err := e.ConfigFor(ctx, run.CommunityID)
	if err != nil {
		return domain.Run{}, nil, err
	}
	return run, cfg, nil
}

// CheckpointOptions trigger a checkpoint. WindowSeconds nil uses the
// community default.
type CheckpointOptions struct {
	CommunityID   string
	RunID         string
	ActorID       string
	KeyHolderID   string
	WindowSeconds *int
}

type CheckpointResult struct {
	Run          domain.Run `json:"run"`
	Checkpoint   int        `json:"checkpoint"`
	WindowEndsAt time.Time  `json:"window_ends_at"`
	Members      int        `json:"members"`
	Credited     int        `json:"credited"`
}

func (e Engine) TriggerCheckpoint(ctx context.Context, opts CheckpointOptions) (CheckpointResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.TriggerCheckpoint",
		trace.WithAttributes(attribute.String("run_id", opts.RunID), attribute.String("community_id", opts.CommunityID)))
	defer span.End()

	run, cfg, err := e.loadScoped(ctx, opts.CommunityID, opts.RunID)
	if err != nil {
		return CheckpointResult{}, err
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return CheckpointResult{}, domain.Invalid("actor_id", "is required")
	}
	window := cfg.Runs.CheckpointWindowSeconds
	if opts.WindowSeconds != nil {
		window = *opts.WindowSeconds
	}
	if window < 0 || window > config.MaxCheckpointWindowSeconds {
		return CheckpointResult{}, domain.Invalid("window_seconds", fmt.Sprintf("must be within 0..%d", config.MaxCheckpointWindowSeconds))
	}
	if err := auth.Require(run, auth.Subject{CommunityID: opts.CommunityID, ActorID: opts.ActorID}, cfg, auth.GateOwner); err != nil {
		return CheckpointResult{}, err
	}
	if run.Status != domain.RunLive {
		return CheckpointResult{}, notLive(run)
	}
	keyHolder := strings.TrimSpace(opts.KeyHolderID)
	if keyHolder == "" {
		keyHolder = opts.ActorID
	}

	out, err := txn.RunResult(ctx, e.Tx, func(ctx context.Context, q db.Querier) (CheckpointResult, error) {
		cur, err := e.Repo.GetRun(ctx, q, run.ID)
		if err != nil {
			return CheckpointResult{}, err
		}
		if cur.Status != domain.RunLive {
			return CheckpointResult{}, notLive(cur)
		}
		res, err := e.snapshots().OnCheckpoint(ctx, q, cur, keyHolder, time.Duration(window)*time.Second)
		if err != nil {
			return CheckpointResult{}, err
		}
		payload := events.EventPayload{
			"checkpoint":    res.Checkpoint,
			"members":       res.Members,
			"credited":      res.Credited,
			"key_holder_id": keyHolder,
		}
		if res.CreditErr != nil {
			payload["credit_error"] = res.CreditErr.Error()
		}
		if err := e.events().Append(ctx, q, "run.checkpoint", cur.CommunityID, "run", cur.ID, opts.ActorID, payload); err != nil {
			return CheckpointResult{}, err
		}
		updated, err := e.Repo.GetRun(ctx, q, cur.ID)
		if err != nil {
			return CheckpointResult{}, err
		}
		return CheckpointResult{
			Run:          updated,
			Checkpoint:   res.Checkpoint,
			WindowEndsAt: res.WindowEndsAt,
			Members:      res.Members,
			Credited:     res.Credited,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return CheckpointResult{}, err
	}
	return out, nil
}

func notLive(run domain.Run) error {
	return domain.StateError{
		Reason:  domain.ReasonRunNotLive,
		Current: run.Status,
		Message: fmt.Sprintf("run %s is %s, not live", run.ID, run.Status),
	}
}
