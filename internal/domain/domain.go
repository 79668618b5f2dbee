package domain

import (
	"time"

	"raidline/internal/points"
)

type RunStatus string

const (
	RunOpen  RunStatus = "open"
	RunLive  RunStatus = "live"
	RunEnded RunStatus = "ended"
)

type Community struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Run struct {
	ID                     string    `json:"id"`
	CommunityID            string    `json:"community_id"`
	OrganizerID            string    `json:"organizer_id"`
	ActivityKey            string    `json:"activity_key"`
	ActivityLabel          string    `json:"activity_label"`
	ChannelID              string    `json:"channel_id,omitempty"`
	Party                  string    `json:"party,omitempty"`
	Location               string    `json:"location,omitempty"`
	Description            string    `json:"description,omitempty"`
	ScreenshotURL          string    `json:"screenshot_url,omitempty"`
	AutoEndMinutes         int       `json:"auto_end_minutes"`
	AutoEndAt              string    `json:"auto_end_at,omitempty" format:"date-time"`
	Status                 RunStatus `json:"status" enum:"open,live,ended"`
	CheckpointCount        int       `json:"checkpoint_count"`
	CheckpointWindowEndsAt string    `json:"checkpoint_window_ends_at,omitempty" format:"date-time"`
	CreatedAt              string    `json:"created_at" format:"date-time"`
	StartedAt              string    `json:"started_at,omitempty" format:"date-time"`
	EndedAt                string    `json:"ended_at,omitempty" format:"date-time"`
}

type Participation struct {
	RunID     string `json:"run_id"`
	ActorID   string `json:"actor_id"`
	State     string `json:"state" enum:"join"`
	ClassTag  string `json:"class_tag,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

const ParticipationJoin = "join"

type KeyReaction struct {
	RunID     string `json:"run_id"`
	ActorID   string `json:"actor_id"`
	KeyType   string `json:"key_type"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SnapshotMember is one actor captured at a checkpoint.
type SnapshotMember struct {
	RunID      string `json:"run_id"`
	Checkpoint int    `json:"checkpoint"`
	ActorID    string `json:"actor_id"`
	ClassTag   string `json:"class_tag,omitempty"`
	Awarded    bool   `json:"awarded"`
	AwardedAt  string `json:"awarded_at,omitempty" format:"date-time"`
}

// Ledger action types.
const (
	ActionRunCompleted  = "run_completed"
	ActionRaidCompleted = "raid_completed"
	ActionKeyPop        = "key_pop"
	ActionRunLogged     = "run_logged"
	ActionKeyLogged     = "key_logged"
	ActionAdjusted      = "points_adjusted"
)

// Moderation actions credited from role quota configs.
const (
	ModerationVerification = "verification"
	ModerationWarning      = "warning"
	ModerationSuspension   = "suspension"
	ModerationModmail      = "modmail_reply"
	ModerationNameEdit     = "name_edit"
	ModerationNote         = "note"
)

type LedgerEvent struct {
	ID              string        `json:"id"`
	CommunityID     string        `json:"community_id"`
	ActorID         string        `json:"actor_id"`
	ActionType      string        `json:"action_type"`
	SubjectID       string        `json:"subject_id,omitempty"`
	ActivityKey     string        `json:"activity_key,omitempty"`
	RaiderPoints    points.Amount `json:"raider_points"`
	OrganizerPoints points.Amount `json:"organizer_points"`
	Units           int64         `json:"units"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
}

type ModerationPoints struct {
	Verification points.Amount `json:"verification"`
	Warning      points.Amount `json:"warning"`
	Suspension   points.Amount `json:"suspension"`
	Modmail      points.Amount `json:"modmail_reply"`
	NameEdit     points.Amount `json:"name_edit"`
	Note         points.Amount `json:"note"`
}

// For returns the configured value for a moderation action.
func (m ModerationPoints) For(action string) (points.Amount, bool) {
	switch action {
	case ModerationVerification:
		return m.Verification, true
	case ModerationWarning:
		return m.Warning, true
	case ModerationSuspension:
		return m.Suspension, true
	case ModerationModmail:
		return m.Modmail, true
	case ModerationNameEdit:
		return m.NameEdit, true
	case ModerationNote:
		return m.Note, true
	default:
		return 0, false
	}
}

type RoleQuotaConfig struct {
	CommunityID    string           `json:"community_id"`
	RoleID         string           `json:"role_id"`
	RequiredPoints points.Amount    `json:"required_points"`
	PeriodStart    time.Time        `json:"period_start"`
	PeriodReset    time.Time        `json:"period_reset"`
	Moderation     ModerationPoints `json:"moderation"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
}

type PointOverride struct {
	CommunityID string          `json:"community_id"`
	Category    points.Category `json:"category" enum:"organizer,raider,key_pop"`
	RoleID      string          `json:"role_id,omitempty"`
	ActivityKey string          `json:"activity_key"`
	Points      points.Amount   `json:"points"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type LeaderboardEntry struct {
	Rank    int           `json:"rank"`
	ActorID string        `json:"actor_id"`
	Value   points.Amount `json:"value"`
}

type QuotaStatus struct {
	CommunityID string        `json:"community_id"`
	ActorID     string        `json:"actor_id"`
	RoleID      string        `json:"role_id"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Earned      points.Amount `json:"earned"`
	Required    points.Amount `json:"required"`
	Met         bool          `json:"met"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	CommunityID string `json:"community_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
