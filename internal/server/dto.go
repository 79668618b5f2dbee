package server

import (
	"encoding/json"
	"time"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/ledger"
	"raidline/internal/points"
)

// Request payloads. Point amounts travel as decimals with at most two
// fraction digits.

type CreateRunRequest struct {
	ID             string `json:"id,omitempty"`
	ActivityKey    string `json:"activity_key"`
	ActivityLabel  string `json:"activity_label,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	AutoEndMinutes int    `json:"auto_end_minutes,omitempty" minimum:"0" maximum:"1440"`
	Party          string `json:"party,omitempty"`
	Location       string `json:"location,omitempty"`
	Description    string `json:"description,omitempty"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
}

type UpdateRunRequest struct {
	Party         *string `json:"party,omitempty"`
	Location      *string `json:"location,omitempty"`
	Description   *string `json:"description,omitempty"`
	ScreenshotURL *string `json:"screenshot_url,omitempty"`
	ChannelID     *string `json:"channel_id,omitempty"`
}

type TransitionRequest struct {
	Status     string   `json:"status" enum:"open,live,ended"`
	ActorRoles []string `json:"actor_roles,omitempty"`
}

type CheckpointRequest struct {
	WindowSeconds *int   `json:"window_seconds,omitempty" minimum:"0" maximum:"3600"`
	KeyHolderID   string `json:"key_holder_id,omitempty"`
}

type ParticipationRequest struct {
	Join bool `json:"join"`
}

type TagRequest struct {
	Tag string `json:"tag"`
}

type ManualLogRequest struct {
	ActorID     string `json:"actor_id"`
	ActivityKey string `json:"activity_key"`
	Count       int64  `json:"count"`
}

type AdjustRequest struct {
	ActorID  string  `json:"actor_id"`
	Category string  `json:"category" enum:"raider,organizer"`
	Amount   float64 `json:"amount"`
}

type ModerationRequest struct {
	Action   string   `json:"action" enum:"verification,warning,suspension,modmail_reply,name_edit,note"`
	TicketID string   `json:"ticket_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type ModerationPointsBody struct {
	Verification float64 `json:"verification"`
	Warning      float64 `json:"warning"`
	Suspension   float64 `json:"suspension"`
	Modmail      float64 `json:"modmail_reply"`
	NameEdit     float64 `json:"name_edit"`
	Note         float64 `json:"note"`
}

type RoleQuotaRequest struct {
	RequiredPoints float64              `json:"required_points"`
	Moderation     ModerationPointsBody `json:"moderation"`
	PeriodStart    *time.Time           `json:"period_start,omitempty"`
	PeriodDays     int                  `json:"period_days,omitempty" minimum:"0"`
}

type ResetPeriodRequest struct {
	PeriodDays int `json:"period_days,omitempty" minimum:"0"`
}

type OverrideRequest struct {
	Category    string  `json:"category" enum:"organizer,raider,key_pop"`
	RoleID      string  `json:"role_id,omitempty"`
	ActivityKey string  `json:"activity_key"`
	Points      float64 `json:"points"`
}

type ActorRolesRequest struct {
	Roles []string `json:"roles"`
}

type ConfigImportRequest struct {
	YAML string `json:"yaml"`
}

// Responses

type LedgerEventResponse struct {
	ID              string  `json:"id"`
	CommunityID     string  `json:"community_id"`
	ActorID         string  `json:"actor_id"`
	ActionType      string  `json:"action_type"`
	SubjectID       string  `json:"subject_id,omitempty"`
	ActivityKey     string  `json:"activity_key,omitempty"`
	RaiderPoints    float64 `json:"raider_points"`
	OrganizerPoints float64 `json:"organizer_points"`
	Units           int64   `json:"units"`
	CreatedAt       string  `json:"created_at"`
}

type CheckpointResponse struct {
	Run          domain.Run `json:"run"`
	Checkpoint   int        `json:"checkpoint"`
	WindowEndsAt time.Time  `json:"window_ends_at"`
	Members      int        `json:"members"`
	Credited     int        `json:"credited"`
}

type ChangedResponse struct {
	Changed bool `json:"changed"`
}

type ReactionResponse struct {
	Added bool `json:"added"`
}

type ManualLogResponse struct {
	AppliedUnits   int64   `json:"applied_units"`
	CreditedPoints float64 `json:"credited_points"`
	NewTotal       float64 `json:"new_total"`
	Recorded       bool    `json:"recorded"`
}

type AdjustResponse struct {
	Applied      float64 `json:"applied"`
	AppliedUnits int64   `json:"applied_units"`
	NewTotal     float64 `json:"new_total"`
	Recorded     bool    `json:"recorded"`
}

type ModerationResponse struct {
	Inserted bool                `json:"inserted"`
	Points   float64             `json:"points"`
	Event    LedgerEventResponse `json:"event"`
}

type LeaderboardEntryResponse struct {
	Rank    int     `json:"rank"`
	ActorID string  `json:"actor_id"`
	Value   float64 `json:"value"`
}

type QuotaStatusResponse struct {
	CommunityID string    `json:"community_id"`
	ActorID     string    `json:"actor_id"`
	RoleID      string    `json:"role_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Earned      float64   `json:"earned"`
	Required    float64   `json:"required"`
	Met         bool      `json:"met"`
}

type RoleQuotaResponse struct {
	CommunityID    string               `json:"community_id"`
	RoleID         string               `json:"role_id"`
	RequiredPoints float64              `json:"required_points"`
	PeriodStart    time.Time            `json:"period_start"`
	PeriodReset    time.Time            `json:"period_reset"`
	Moderation     ModerationPointsBody `json:"moderation"`
	UpdatedAt      string               `json:"updated_at"`
}

type OverrideResponse struct {
	CommunityID string  `json:"community_id"`
	Category    string  `json:"category"`
	RoleID      string  `json:"role_id,omitempty"`
	ActivityKey string  `json:"activity_key"`
	Points      float64 `json:"points"`
	UpdatedAt   string  `json:"updated_at"`
}

type TotalsResponse struct {
	ActorID         string  `json:"actor_id"`
	RaiderPoints    float64 `json:"raider_points"`
	OrganizerPoints float64 `json:"organizer_points"`
}

type ActorRolesResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	CommunityID string         `json:"community_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CommunityConfigResponse struct {
	CommunityID             string            `json:"community_id"`
	Name                    string            `json:"name,omitempty"`
	OrganizerRoles          []string          `json:"organizer_roles"`
	HardModeKey             string            `json:"hard_mode_key,omitempty"`
	Activities              map[string]string `json:"activities"`
	DefaultAutoEndMinutes   int               `json:"default_auto_end_minutes"`
	CheckpointWindowSeconds int               `json:"checkpoint_window_seconds"`
	PeriodDays              int               `json:"period_days"`
	Webhooks                int               `json:"webhooks"`
}

// Conversion helpers

func ledgerEventResponse(e domain.LedgerEvent) LedgerEventResponse {
	return LedgerEventResponse{
		ID:              e.ID,
		CommunityID:     e.CommunityID,
		ActorID:         e.ActorID,
		ActionType:      e.ActionType,
		SubjectID:       e.SubjectID,
		ActivityKey:     e.ActivityKey,
		RaiderPoints:    e.RaiderPoints.Float64(),
		OrganizerPoints: e.OrganizerPoints.Float64(),
		Units:           e.Units,
		CreatedAt:       e.CreatedAt,
	}
}

func checkpointResponse(r engine.CheckpointResult) CheckpointResponse {
	return CheckpointResponse(r)
}

func manualLogResponse(r engine.ManualLogResult) ManualLogResponse {
	return ManualLogResponse{
		AppliedUnits:   r.AppliedUnits,
		CreditedPoints: r.CreditedPoints.Float64(),
		NewTotal:       r.NewTotal.Float64(),
		Recorded:       r.Recorded,
	}
}

func adjustResponse(r ledger.AdjustResult) AdjustResponse {
	return AdjustResponse{
		Applied:      r.Applied.Float64(),
		AppliedUnits: r.AppliedUnits,
		NewTotal:     r.NewTotal.Float64(),
		Recorded:     r.Recorded,
	}
}

func leaderboardResponse(entries []domain.LeaderboardEntry) []LeaderboardEntryResponse {
	res := make([]LeaderboardEntryResponse, 0, len(entries))
	for _, e := range entries {
		res = append(res, LeaderboardEntryResponse{Rank: e.Rank, ActorID: e.ActorID, Value: e.Value.Float64()})
	}
	return res
}

func quotaStatusResponse(s domain.QuotaStatus) QuotaStatusResponse {
	return QuotaStatusResponse{
		CommunityID: s.CommunityID,
		ActorID:     s.ActorID,
		RoleID:      s.RoleID,
		PeriodStart: s.PeriodStart,
		PeriodEnd:   s.PeriodEnd,
		Earned:      s.Earned.Float64(),
		Required:    s.Required.Float64(),
		Met:         s.Met,
	}
}

func roleQuotaResponse(c domain.RoleQuotaConfig) RoleQuotaResponse {
	m := c.Moderation
	return RoleQuotaResponse{
		CommunityID:    c.CommunityID,
		RoleID:         c.RoleID,
		RequiredPoints: c.RequiredPoints.Float64(),
		PeriodStart:    c.PeriodStart,
		PeriodReset:    c.PeriodReset,
		Moderation: ModerationPointsBody{
			Verification: m.Verification.Float64(),
			Warning:      m.Warning.Float64(),
			Suspension:   m.Suspension.Float64(),
			Modmail:      m.Modmail.Float64(),
			NameEdit:     m.NameEdit.Float64(),
			Note:         m.Note.Float64(),
		},
		UpdatedAt: c.UpdatedAt,
	}
}

func overrideResponse(o domain.PointOverride) OverrideResponse {
	return OverrideResponse{
		CommunityID: o.CommunityID,
		Category:    string(o.Category),
		RoleID:      o.RoleID,
		ActivityKey: o.ActivityKey,
		Points:      o.Points.Float64(),
		UpdatedAt:   o.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		CommunityID: e.CommunityID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) CommunityConfigResponse {
	res := CommunityConfigResponse{
		CommunityID:             cfg.Community.ID,
		Name:                    cfg.Community.Name,
		OrganizerRoles:          nonNilSlice(cfg.Roles.Organizer),
		HardModeKey:             cfg.Activities.HardModeKey,
		Activities:              map[string]string{},
		DefaultAutoEndMinutes:   cfg.Runs.DefaultAutoEndMinutes,
		CheckpointWindowSeconds: cfg.Runs.CheckpointWindowSeconds,
		PeriodDays:              cfg.Quota.PeriodDays,
		Webhooks:                len(cfg.Webhooks),
	}
	for key := range cfg.Activities.Catalog {
		res.Activities[key] = cfg.ActivityLabel(key)
	}
	return res
}

// Amount helpers

func amountFromBody(field string, v float64, signed bool) (points.Amount, error) {
	var (
		a   points.Amount
		err error
	)
	if signed {
		a, err = points.NewDelta(v)
	} else {
		a, err = points.NewAmount(v)
	}
	if err != nil {
		return 0, domain.ValidationError{
			Reason:  domain.ReasonInvalidAmount,
			Message: field + ": " + err.Error(),
			Fields:  map[string]string{field: err.Error()},
		}
	}
	return a, nil
}

func moderationFromBody(b ModerationPointsBody) (domain.ModerationPoints, error) {
	var m domain.ModerationPoints
	fields := []struct {
		name string
		in   float64
		out  *points.Amount
	}{
		{"moderation.verification", b.Verification, &m.Verification},
		{"moderation.warning", b.Warning, &m.Warning},
		{"moderation.suspension", b.Suspension, &m.Suspension},
		{"moderation.modmail_reply", b.Modmail, &m.Modmail},
		{"moderation.name_edit", b.NameEdit, &m.NameEdit},
		{"moderation.note", b.Note, &m.Note},
	}
	for _, f := range fields {
		a, err := amountFromBody(f.name, f.in, false)
		if err != nil {
			return m, err
		}
		*f.out = a
	}
	return m, nil
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
