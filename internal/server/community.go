package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/engine/auth"
	"raidline/internal/repo"
)

func registerQuota(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-role-quotas",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/quotas",
		Summary:     "List role quota configs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *CommunityPath) (*response[[]RoleQuotaResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRoleQuotas(ctx, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RoleQuotaResponse, 0, len(items))
		for _, c := range items {
			res = append(res, roleQuotaResponse(c))
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-role-quota",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/roles/{role_id}/quota",
		Summary:     "Create or update a role quota config",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		RoleID string `path:"role_id"`
		Body   RoleQuotaRequest
	}) (*response[RoleQuotaResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		required, err := amountFromBody("required_points", input.Body.RequiredPoints, false)
		if err != nil {
			return nil, handleError(err)
		}
		moderation, err := moderationFromBody(input.Body.Moderation)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.SetRoleQuota(ctx, engine.RoleQuotaOptions{
			CommunityID:    input.CommunityID,
			CallerID:       p.ActorID,
			CallerRoles:    p.Roles,
			RoleID:         input.RoleID,
			RequiredPoints: required,
			Moderation:     moderation,
			PeriodStart:    input.Body.PeriodStart,
			PeriodDays:     input.Body.PeriodDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(roleQuotaResponse(cfg)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-role-period",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/roles/{role_id}/quota/reset",
		Summary:     "Start a new quota period now",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		RoleID string `path:"role_id"`
		Body   *ResetPeriodRequest `required:"false"`
	}) (*response[RoleQuotaResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		days := 0
		if input.Body != nil {
			days = input.Body.PeriodDays
		}
		cfg, err := e.ResetPeriod(ctx, engine.ResetPeriodOptions{
			CommunityID: input.CommunityID,
			CallerID:    p.ActorID,
			CallerRoles: p.Roles,
			RoleID:      input.RoleID,
			PeriodDays:  days,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(roleQuotaResponse(cfg)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quota-status",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/quota/{role_id}/actors/{actor_id}",
		Summary:     "An actor's progress in a role's current period",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		RoleID  string `path:"role_id"`
		ActorID string `path:"actor_id"`
	}) (*response[QuotaStatusResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		status, err := e.QuotaStatus(ctx, input.CommunityID, input.ActorID, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(quotaStatusResponse(status)), nil
	})
}

func registerCommunity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-overrides",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/overrides",
		Summary:     "List point overrides",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *CommunityPath) (*response[[]OverrideResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOverrides(ctx, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]OverrideResponse, 0, len(items))
		for _, o := range items {
			res = append(res, overrideResponse(o))
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-override",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/overrides",
		Summary:     "Set a point override",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body OverrideRequest
	}) (*response[OverrideResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		value, err := amountFromBody("points", input.Body.Points, false)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := e.SetOverride(ctx, engine.OverrideOptions{
			CommunityID: input.CommunityID,
			CallerID:    p.ActorID,
			CallerRoles: p.Roles,
			Category:    input.Body.Category,
			RoleID:      input.Body.RoleID,
			ActivityKey: input.Body.ActivityKey,
			Points:      value,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(overrideResponse(o)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-override",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/overrides",
		Summary:     "Delete a point override",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Category string `query:"category" required:"true" enum:"organizer,raider,key_pop"`
		RoleID   string `query:"role_id"`
		Activity string `query:"activity" required:"true"`
	}) (*response[ChangedResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deleted, err := e.DeleteOverride(ctx, engine.OverrideOptions{
			CommunityID: input.CommunityID,
			CallerID:    p.ActorID,
			CallerRoles: p.Roles,
			Category:    input.Category,
			RoleID:      input.RoleID,
			ActivityKey: input.Activity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ChangedResponse{Changed: deleted}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor-roles",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/actors/{actor_id}/roles",
		Summary:     "Roles synced for an actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		ActorID string `path:"actor_id"`
	}) (*response[ActorRolesResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.ActorRoles(ctx, input.CommunityID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ActorRolesResponse{ActorID: input.ActorID, Roles: nonNilSlice(roles)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-actor-roles",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/actors/{actor_id}/roles",
		Summary:     "Replace the roles an actor holds",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		ActorID string `path:"actor_id"`
		Body    ActorRolesRequest
	}) (*response[ActorRolesResponse], error) {
		p, err := requirePermission(ctx, auth.PermCommunityAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		roles, err := e.SetActorRoles(ctx, input.CommunityID, input.ActorID, input.Body.Roles, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ActorRolesResponse{ActorID: input.ActorID, Roles: roles}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-community-config",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/config",
		Summary:     "Effective community config",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *CommunityPath) (*response[CommunityConfigResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.ConfigFor(ctx, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(configResponse(cfg)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-community-config",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/config",
		Summary:     "Import a community config from YAML",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body ConfigImportRequest
	}) (*response[CommunityConfigResponse], error) {
		p, err := requirePermission(ctx, auth.PermCommunityAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, handleError(domain.ValidationError{
				Reason:  domain.ReasonInvalidInput,
				Message: err.Error(),
				Fields:  map[string]string{"yaml": "could not be parsed"},
			})
		}
		if cfg.Community.ID == "" {
			cfg.Community.ID = input.CommunityID
		}
		if cfg.Community.ID != input.CommunityID {
			return nil, handleError(domain.Invalid("community.id", fmt.Sprintf("must match %s", input.CommunityID)))
		}
		if err := e.ImportConfig(ctx, cfg, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return reply(configResponse(cfg)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit, 50, 200)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Events(ctx, repo.EventFilters{
			CommunityID: input.CommunityID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			Before:      before,
			Limit:       limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
