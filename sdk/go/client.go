package raidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Raidline HTTP API client.
type Client struct {
	BaseURL     string
	CommunityID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, communityID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		CommunityID: communityID,
		Timeout:     10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID              string `json:"id"`
	CommunityID     string `json:"community_id"`
	OrganizerID     string `json:"organizer_id"`
	ActivityKey     string `json:"activity_key"`
	ActivityLabel   string `json:"activity_label"`
	Party           string `json:"party,omitempty"`
	Location        string `json:"location,omitempty"`
	ScreenshotURL   string `json:"screenshot_url,omitempty"`
	AutoEndAt       string `json:"auto_end_at,omitempty"`
	Status          string `json:"status"`
	CheckpointCount int    `json:"checkpoint_count"`
	CreatedAt       string `json:"created_at"`
	EndedAt         string `json:"ended_at,omitempty"`
}

// CreateRunInput carries the fields a bot collects when a run is announced.
type CreateRunInput struct {
	ID             string `json:"id,omitempty"`
	ActivityKey    string `json:"activity_key"`
	ChannelID      string `json:"channel_id,omitempty"`
	AutoEndMinutes int    `json:"auto_end_minutes,omitempty"`
	Party          string `json:"party,omitempty"`
	Location       string `json:"location,omitempty"`
	Description    string `json:"description,omitempty"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
}

type Checkpoint struct {
	Run          Run       `json:"run"`
	Checkpoint   int       `json:"checkpoint"`
	WindowEndsAt time.Time `json:"window_ends_at"`
	Members      int       `json:"members"`
	Credited     int       `json:"credited"`
}

type Adjustment struct {
	Applied      float64 `json:"applied"`
	AppliedUnits int64   `json:"applied_units"`
	NewTotal     float64 `json:"new_total"`
	Recorded     bool    `json:"recorded"`
}

type LeaderboardEntry struct {
	Rank    int     `json:"rank"`
	ActorID string  `json:"actor_id"`
	Value   float64 `json:"value"`
}

type QuotaStatus struct {
	RoleID      string    `json:"role_id"`
	ActorID     string    `json:"actor_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Earned      float64   `json:"earned"`
	Required    float64   `json:"required"`
	Met         bool      `json:"met"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	CommunityID string         `json:"community_id"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the server's reason code
// when the body is an error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateRun(ctx context.Context, in CreateRunInput) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.communityPath("runs"), in, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// Transition moves a run to status. roles, when non-nil, are asserted for the caller.
func (c *Client) Transition(ctx context.Context, runID, status string, roles []string) (Run, error) {
	body := map[string]any{"status": status}
	if roles != nil {
		body["actor_roles"] = roles
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "transition"), body, &resp)
	return resp, err
}

// TriggerCheckpoint opens a checkpoint. A nil window uses the community default.
func (c *Client) TriggerCheckpoint(ctx context.Context, runID string, windowSeconds *int, keyHolderID string) (Checkpoint, error) {
	body := map[string]any{}
	if windowSeconds != nil {
		body["window_seconds"] = *windowSeconds
	}
	if keyHolderID != "" {
		body["key_holder_id"] = keyHolderID
	}
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "checkpoints"), body, &resp)
	return resp, err
}

// SetParticipation joins or leaves a run and reports whether anything changed.
func (c *Client) SetParticipation(ctx context.Context, runID string, join bool) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPut, c.runPath(runID, "participation"), map[string]any{"join": join}, &resp)
	return resp.Changed, err
}

// ToggleKeyReaction reports true when the reaction was added.
func (c *Client) ToggleKeyReaction(ctx context.Context, runID, keyType string) (bool, error) {
	var resp struct {
		Added bool `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "keys/"+url.PathEscape(keyType)), nil, &resp)
	return resp.Added, err
}

func (c *Client) AdjustPoints(ctx context.Context, actorID, category string, amount float64) (Adjustment, error) {
	var resp Adjustment
	err := c.do(ctx, http.MethodPost, c.communityPath("points/adjust"), map[string]any{
		"actor_id": actorID,
		"category": category,
		"amount":   amount,
	}, &resp)
	return resp, err
}

// RecordModeration credits the caller for a handled ticket.
func (c *Client) RecordModeration(ctx context.Context, action, ticketID string) (bool, error) {
	var resp struct {
		Inserted bool `json:"inserted"`
	}
	err := c.do(ctx, http.MethodPost, c.communityPath("moderation"), map[string]any{
		"action":    action,
		"ticket_id": ticketID,
	}, &resp)
	return resp.Inserted, err
}

// Leaderboard fetches a board. Empty filters are omitted.
func (c *Client) Leaderboard(ctx context.Context, board, activity, role string, limit int) ([]LeaderboardEntry, error) {
	q := url.Values{}
	if activity != "" {
		q.Set("activity", activity)
	}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.communityPath("leaderboards/" + url.PathEscape(board))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) QuotaStatus(ctx context.Context, roleID, actorID string) (QuotaStatus, error) {
	var resp QuotaStatus
	endpoint := c.communityPath(fmt.Sprintf("quota/%s/actors/%s", url.PathEscape(roleID), url.PathEscape(actorID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SyncRoles replaces an actor's roles. Needs the community.admin permission.
func (c *Client) SyncRoles(ctx context.Context, actorID string, roles []string) ([]string, error) {
	var resp struct {
		Roles []string `json:"roles"`
	}
	endpoint := c.communityPath(fmt.Sprintf("actors/%s/roles", url.PathEscape(actorID)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"roles": roles}, &resp)
	return resp.Roles, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.communityPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DueRuns lists runs past their auto-end deadline across communities.
// Needs the system.autoend permission.
func (c *Client) DueRuns(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v1/system/runs/due"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AutoEnd(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/system/runs/%s/auto-end", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) communityPath(p string) string {
	return fmt.Sprintf("v1/communities/%s/%s", url.PathEscape(c.CommunityID), strings.TrimLeft(p, "/"))
}

func (c *Client) runPath(runID, p string) string {
	route := "runs/" + url.PathEscape(runID)
	if p != "" {
		route += "/" + p
	}
	return c.communityPath(route)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
