package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// AuditForwarder posts appended audit events to the webhooks configured per
// community. Each hook keeps its own cursor, starting at the newest event
// seen when the hook is first visited.
type AuditForwarder struct {
	engine  engine.Engine
	log     logrus.FieldLogger
	client  *http.Client
	mu      sync.Mutex
	cursors map[hookKey]int64
}

type hookKey struct {
	community string
	url       string
}

func NewAuditForwarder(e engine.Engine, logger logrus.FieldLogger) *AuditForwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditForwarder{
		engine:  e,
		log:     logger.WithField("component", "audit_forwarder"),
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[hookKey]int64),
	}
}

// Run dispatches on a fixed interval until ctx is cancelled.
func (f *AuditForwarder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every community's hooks.
func (f *AuditForwarder) DispatchAll(ctx context.Context) {
	communities, err := f.engine.Repo.ListCommunities(ctx, f.engine.DB)
	if err != nil {
		f.log.WithError(err).Error("list communities failed")
		return
	}
	for _, c := range communities {
		cfg, err := f.engine.ConfigFor(ctx, c.ID)
		if err != nil {
			f.log.WithError(err).WithField("community_id", c.ID).Error("load config failed")
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			f.dispatchWebhook(ctx, c.ID, hook)
		}
	}
}

func (f *AuditForwarder) dispatchWebhook(ctx context.Context, communityID string, hook config.WebhookConfig) {
	key := hookKey{community: communityID, url: hook.URL}
	log := f.log.WithFields(logrus.Fields{"community_id": communityID, "url": hook.URL})
	cursor, ok := f.cursorFor(ctx, key)
	if !ok {
		return
	}
	events, err := f.engine.Repo.EventsAfter(ctx, f.engine.DB, defaultWebhookBatch, cursor, communityID)
	if err != nil {
		log.WithError(err).Error("fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(key, evt.ID)
			continue
		}
		if err := f.postEvent(ctx, communityID, hook, evt); err != nil {
			log.WithError(err).WithField("event_id", evt.ID).Warn("delivery failed")
			return
		}
		f.setCursor(key, evt.ID)
	}
}

func (f *AuditForwarder) cursorFor(ctx context.Context, key hookKey) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[key]; ok {
		return cur, true
	}
	cur, err := f.engine.Repo.LatestEventID(ctx, f.engine.DB, key.community)
	if err != nil {
		f.log.WithError(err).WithField("community_id", key.community).Error("init cursor failed")
		return 0, false
	}
	f.cursors[key] = cur
	return cur, true
}

func (f *AuditForwarder) setCursor(key hookKey, value int64) {
	f.mu.Lock()
	f.cursors[key] = value
	f.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	CommunityID string          `json:"community_id"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func (f *AuditForwarder) postEvent(ctx context.Context, communityID string, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		CommunityID: evt.CommunityID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
		PayloadRaw:  raw,
	})
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raidline-Event", evt.Type)
	req.Header.Set("X-Raidline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Raidline-Community", communityID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Raidline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
