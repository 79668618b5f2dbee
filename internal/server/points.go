package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"raidline/internal/engine"
	"raidline/internal/repo"
)

// CommunityPath binds the community path parameter. It is embedded in route
// inputs, so it must stay exported for huma to see its fields.
type CommunityPath struct {
	CommunityID string `path:"community_id"`
}

func registerPoints(api huma.API, e engine.Engine) {
	manual := func(operationID, route, summary string, log func(context.Context, engine.ManualLogOptions) (engine.ManualLogResult, error)) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        route,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			CommunityPath
			Body ManualLogRequest
		}) (*response[ManualLogResponse], error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := log(ctx, engine.ManualLogOptions{
				CommunityID: input.CommunityID,
				CallerID:    p.ActorID,
				CallerRoles: p.Roles,
				ActorID:     input.Body.ActorID,
				ActivityKey: input.Body.ActivityKey,
				Count:       input.Body.Count,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return reply(manualLogResponse(res)), nil
		})
	}
	manual("log-manual-runs", "/communities/{community_id}/manual/runs", "Log runs organized outside the bot", e.LogManualCredit)
	manual("log-manual-keys", "/communities/{community_id}/manual/keys", "Log key pops outside the bot", e.LogManualKeyPops)

	huma.Register(api, huma.Operation{
		OperationID: "adjust-points",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/points/adjust",
		Summary:     "Apply a clamped point adjustment",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body AdjustRequest
	}) (*response[AdjustResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		delta, err := amountFromBody("amount", input.Body.Amount, true)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.AdjustPoints(ctx, engine.AdjustOptions{
			CommunityID: input.CommunityID,
			CallerID:    p.ActorID,
			CallerRoles: p.Roles,
			ActorID:     input.Body.ActorID,
			Category:    input.Body.Category,
			Delta:       delta,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(adjustResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-moderation",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/moderation",
		Summary:     "Credit a handled moderation ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body ModerationRequest
	}) (*response[ModerationResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := p.Roles
		if input.Body.Roles != nil {
			roles = input.Body.Roles
		}
		res, err := e.RecordModerationAction(ctx, engine.ModerationOptions{
			CommunityID: input.CommunityID,
			ActorID:     p.ActorID,
			Roles:       roles,
			Action:      input.Body.Action,
			TicketID:    input.Body.TicketID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ModerationResponse{
			Inserted: res.Inserted,
			Points:   res.Points.Float64(),
			Event:    ledgerEventResponse(res.Event),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-leaderboard",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/leaderboards/{category}",
		Summary:     "Ranked actors for a board",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Category string `path:"category" enum:"runs_organized,checkpoints,completions,raider_points,organizer_points"`
		Activity string `query:"activity"`
		Since    string `query:"since" doc:"RFC 3339 lower bound, inclusive"`
		Until    string `query:"until" doc:"RFC 3339 upper bound, exclusive"`
		Role     string `query:"role" doc:"scope to the role's current quota period"`
		Limit    int    `query:"limit" default:"10"`
	}) (*response[[]LeaderboardEntryResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		since, err := parseTimeParam("since", input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		until, err := parseTimeParam("until", input.Until)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.GetLeaderboard(ctx, engine.LeaderboardOptions{
			CommunityID: input.CommunityID,
			Board:       input.Category,
			ActivityKey: input.Activity,
			RoleID:      input.Role,
			Since:       since,
			Until:       until,
			Limit:       normalizeLimit(input.Limit, 10, 100),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(leaderboardResponse(entries)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-totals",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/actors/{actor_id}/totals",
		Summary:     "Raider and organizer totals for an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		ActorID string `path:"actor_id"`
		Since   string `query:"since"`
		Until   string `query:"until"`
	}) (*response[TotalsResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		since, err := parseTimeParam("since", input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		until, err := parseTimeParam("until", input.Until)
		if err != nil {
			return nil, handleError(err)
		}
		totals, err := e.Totals(ctx, input.CommunityID, input.ActorID, since, until)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TotalsResponse{
			ActorID:         input.ActorID,
			RaiderPoints:    totals.Raider.Float64(),
			OrganizerPoints: totals.Organizer.Float64(),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/ledger",
		Summary:     "Ledger events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		ActorID    string `query:"actor_id"`
		ActionType string `query:"action_type"`
		Activity   string `query:"activity"`
		Limit      int    `query:"limit" default:"50"`
	}) (*response[[]LedgerEventResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f := repo.LedgerFilters{
			CommunityID: input.CommunityID,
			ActorID:     input.ActorID,
			ActivityKey: input.Activity,
		}
		if input.ActionType != "" {
			f.ActionTypes = []string{input.ActionType}
		}
		items, err := e.LedgerEvents(ctx, f, normalizeLimit(input.Limit, 50, 500))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LedgerEventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, ledgerEventResponse(evt))
		}
		return reply(res), nil
	})
}
