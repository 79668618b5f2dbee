package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/engine/auth"
	"raidline/internal/repo"
)

// RunPath binds the run-scoped path parameters.
type RunPath struct {
	CommunityID string `path:"community_id"`
	RunID       string `path:"run_id"`
}

func scopedRun(ctx context.Context, e engine.Engine, communityID, runID string) (domain.Run, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.CommunityID != communityID {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/communities/{community_id}/runs",
		Summary:       "Create run",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityID string `path:"community_id"`
		Body        CreateRunRequest
	}) (*response[domain.Run], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		run, err := e.CreateRun(ctx, engine.CreateRunOptions{
			ID:             b.ID,
			CommunityID:    input.CommunityID,
			OrganizerID:    p.ActorID,
			OrganizerRoles: p.Roles,
			ActivityKey:    b.ActivityKey,
			ActivityLabel:  b.ActivityLabel,
			ChannelID:      b.ChannelID,
			AutoEndMinutes: b.AutoEndMinutes,
			Party:          b.Party,
			Location:       b.Location,
			Description:    b.Description,
			ScreenshotURL:  b.ScreenshotURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CommunityID string `path:"community_id"`
		Status      string `query:"status" enum:"open,live,ended"`
		OrganizerID string `query:"organizer_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*response[[]domain.Run], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		runs, err := e.ListRuns(ctx, repo.RunFilters{
			CommunityID: input.CommunityID,
			OrganizerID: input.OrganizerID,
			Status:      domain.RunStatus(input.Status),
			Limit:       normalizeLimit(input.Limit, 50, 200),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(runs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *RunPath) (*response[domain.Run], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		run, err := scopedRun(ctx, e, input.CommunityID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-run",
		Method:      http.MethodPatch,
		Path:        "/communities/{community_id}/runs/{run_id}",
		Summary:     "Update run details",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body UpdateRunRequest
	}) (*response[domain.Run], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		run, err := e.UpdateRunDetails(ctx, engine.UpdateRunOptions{
			CommunityID:   input.CommunityID,
			RunID:         input.RunID,
			ActorID:       p.ActorID,
			ActorRoles:    p.Roles,
			Party:         b.Party,
			Location:      b.Location,
			Description:   b.Description,
			ScreenshotURL: b.ScreenshotURL,
			ChannelID:     b.ChannelID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-run",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/runs/{run_id}/transition",
		Summary:     "Move a run to another status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body TransitionRequest
	}) (*response[domain.Run], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := p.Roles
		if input.Body.ActorRoles != nil {
			roles = input.Body.ActorRoles
		}
		run, err := e.Transition(ctx, engine.TransitionOptions{
			CommunityID: input.CommunityID,
			RunID:       input.RunID,
			ActorID:     p.ActorID,
			ActorRoles:  roles,
			Status:      domain.RunStatus(input.Body.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-checkpoint",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/runs/{run_id}/checkpoints",
		Summary:     "Trigger a checkpoint",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body CheckpointRequest
	}) (*response[CheckpointResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TriggerCheckpoint(ctx, engine.CheckpointOptions{
			CommunityID:   input.CommunityID,
			RunID:         input.RunID,
			ActorID:       p.ActorID,
			KeyHolderID:   input.Body.KeyHolderID,
			WindowSeconds: input.Body.WindowSeconds,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(checkpointResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint-snapshot",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/runs/{run_id}/checkpoints/{n}",
		Summary:     "Members captured at a checkpoint",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunPath
		N int `path:"n" minimum:"1"`
	}) (*response[[]domain.SnapshotMember], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		members, err := e.Snapshot(ctx, input.CommunityID, input.RunID, input.N)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(members)), nil
	})
}

func registerParticipation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/runs/{run_id}/participants",
		Summary:     "List joined actors",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *RunPath) (*response[[]domain.Participation], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := scopedRun(ctx, e, input.CommunityID, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListParticipants(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-participation",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/runs/{run_id}/participation",
		Summary:     "Join or leave a run",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body ParticipationRequest
	}) (*response[ChangedResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		changed, err := e.SetParticipation(ctx, engine.ParticipationOptions{
			CommunityID: input.CommunityID,
			RunID:       input.RunID,
			ActorID:     p.ActorID,
			Join:        input.Body.Join,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ChangedResponse{Changed: changed}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-activity-tag",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/runs/{run_id}/participation/tag",
		Summary:     "Set the caller's class tag",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body TagRequest
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetActivityTag(ctx, engine.TagOptions{
			CommunityID: input.CommunityID,
			RunID:       input.RunID,
			ActorID:     p.ActorID,
			Tag:         input.Body.Tag,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-key-reaction",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/runs/{run_id}/keys/{key_type}",
		Summary:     "Toggle a key reaction",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunPath
		KeyType string `path:"key_type"`
	}) (*response[ReactionResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		added, err := e.ToggleKeyReaction(ctx, engine.KeyReactionOptions{
			CommunityID: input.CommunityID,
			RunID:       input.RunID,
			ActorID:     p.ActorID,
			KeyType:     input.KeyType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReactionResponse{Added: added}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-key-reactions",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/runs/{run_id}/keys",
		Summary:     "List key reactions",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *RunPath) (*response[[]domain.KeyReaction], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := scopedRun(ctx, e, input.CommunityID, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListKeyReactions(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}

func registerSystem(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-due-runs",
		Method:      http.MethodGet,
		Path:        "/system/runs/due",
		Summary:     "Runs past their auto-end deadline",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*response[[]domain.Run], error) {
		if _, err := requirePermission(ctx, auth.PermSystemAutoEnd); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.ListDueRuns(ctx, normalizeLimit(input.Limit, 100, 500))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(runs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-end-run",
		Method:      http.MethodPost,
		Path:        "/system/runs/{run_id}/auto-end",
		Summary:     "End a run on behalf of the system",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*response[domain.Run], error) {
		if _, err := requirePermission(ctx, auth.PermSystemAutoEnd); err != nil {
			return nil, handleError(err)
		}
		run, err := e.Transition(ctx, engine.TransitionOptions{
			RunID:  input.RunID,
			Status: domain.RunEnded,
			System: true,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(run), nil
	})
}
