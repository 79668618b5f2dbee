package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/migrate"
)

const (
	testSecret    = "test-secret"
	testCommunity = "c1"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	clock  *time.Time
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := engine.New(conn)
	e.Now = func() time.Time { return clock }
	e.Log = quietLogger()
	ctx := context.Background()
	if err := e.ImportConfig(ctx, config.Default(testCommunity), "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	if _, err := e.SetActorRoles(ctx, testCommunity, "org", []string{"organizer"}, "tester"); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		clock:  &clock,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, permissions ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, nil, permissions, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, body []byte, status int, code string) envelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(body))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, string(body))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(body))
	}
	return env
}

func runsURL(srv *testServer) string {
	return srv.URL + "/v1/communities/" + testCommunity + "/runs"
}

func createRun(t *testing.T, srv *testServer, id string, party string) domain.Run {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, runsURL(srv), map[string]any{
		"id":           id,
		"activity_key": "vault",
		"party":        party,
		"location":     "north gate",
	}, bearer(t, "org"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func TestHealthAndCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	expectError(t, res, body, http.StatusUnauthorized, "unauthorized")

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, body, http.StatusUnauthorized, "invalid_credentials")

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(body))
	}
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "org" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := createRun(t, srv, "run-1", "party-1")
	runURL := runsURL(srv) + "/" + run.ID

	res, body := doJSON(t, client, http.MethodPut, runURL+"/participation", map[string]any{"join": true}, bearer(t, "r1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, runURL+"/transition", map[string]any{"status": "live"}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("go live: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, runURL+"/checkpoints", map[string]any{"window_seconds": 30}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkpoint: %d %s", res.StatusCode, string(body))
	}
	var cp CheckpointResponse
	_ = json.Unmarshal(body, &cp)
	if cp.Checkpoint != 1 || cp.Members != 1 {
		t.Fatalf("unexpected checkpoint result %+v", cp)
	}

	res, body = doJSON(t, client, http.MethodGet, runURL+"/checkpoints/1", nil, bearer(t, "r1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: %d %s", res.StatusCode, string(body))
	}
	var members []domain.SnapshotMember
	_ = json.Unmarshal(body, &members)
	if len(members) != 1 || members[0].ActorID != "r1" {
		t.Fatalf("unexpected snapshot %+v", members)
	}

	res, body = doJSON(t, client, http.MethodPost, runURL+"/transition", map[string]any{"status": "ended"}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end: %d %s", res.StatusCode, string(body))
	}
	var ended domain.Run
	_ = json.Unmarshal(body, &ended)
	if ended.Status != domain.RunEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/communities/"+testCommunity+"/actors/r1/totals", nil, bearer(t, "r1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("totals: %d %s", res.StatusCode, string(body))
	}
	var totals TotalsResponse
	_ = json.Unmarshal(body, &totals)
	if totals.RaiderPoints != 1 {
		t.Fatalf("expected 1 raider point, got %v", totals.RaiderPoints)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/communities/"+testCommunity+"/leaderboards/runs_organized", nil, bearer(t, "r1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: %d %s", res.StatusCode, string(body))
	}
	var board []LeaderboardEntryResponse
	_ = json.Unmarshal(body, &board)
	if len(board) != 1 || board[0].ActorID != "org" || board[0].Value != 1 {
		t.Fatalf("unexpected board %+v", board)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/communities/"+testCommunity+"/events?type=run.ended", nil, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 1 || page.Items[0].EntityID != run.ID {
		t.Fatalf("unexpected events %+v", page)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, runsURL(srv), map[string]any{
		"activity_key": "vault",
	}, bearer(t, "stranger"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonNotOrganizer))

	run := createRun(t, srv, "run-2", "")
	res, body = doJSON(t, client, http.MethodPost, runsURL(srv)+"/"+run.ID+"/transition", map[string]any{"status": "live"}, bearer(t, "org"))
	env := expectError(t, res, body, http.StatusUnprocessableEntity, string(domain.ReasonMissingPartyLocation))
	if env.Error.Details["fields"] == nil {
		t.Fatalf("expected field details: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, runsURL(srv)+"/"+run.ID+"/transition", map[string]any{"status": "ended"}, bearer(t, "org"))
	expectError(t, res, body, http.StatusConflict, string(domain.ReasonRunNotLive))

	res, body = doJSON(t, client, http.MethodPost, runsURL(srv)+"/"+run.ID+"/checkpoints", map[string]any{}, bearer(t, "r1"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonNotOwner))

	res, body = doJSON(t, client, http.MethodGet, runsURL(srv)+"/missing", nil, bearer(t, "org"))
	expectError(t, res, body, http.StatusNotFound, "not_found")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/communities/other/runs/"+run.ID, nil, bearer(t, "org"))
	expectError(t, res, body, http.StatusNotFound, "not_found")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/communities/"+testCommunity+"/points/adjust", map[string]any{
		"actor_id": "r1",
		"category": "raider",
		"amount":   0.001,
	}, bearer(t, "org"))
	expectError(t, res, body, http.StatusBadRequest, string(domain.ReasonInvalidAmount))

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/communities/"+testCommunity+"/actors/r1/roles", map[string]any{
		"roles": []string{"organizer"},
	}, bearer(t, "org"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonNotOrganizer))
}

func TestScopedRoutesBindPathParams(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := createRun(t, srv, "run-scoped", "party-1")
	foreign := srv.URL + "/v1/communities/other/runs/" + run.ID

	res, body := doJSON(t, client, http.MethodPost, foreign+"/transition", map[string]any{"status": "live"}, bearer(t, "org"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonCommunityMismatch))
	res, body = doJSON(t, client, http.MethodPost, foreign+"/checkpoints", map[string]any{}, bearer(t, "org"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonCommunityMismatch))
	res, body = doJSON(t, client, http.MethodPut, foreign+"/participation", map[string]any{"join": true}, bearer(t, "r1"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonCommunityMismatch))

	runURL := runsURL(srv) + "/" + run.ID
	res, body = doJSON(t, client, http.MethodPost, runURL+"/transition", map[string]any{"status": "live"}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("go live: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, runURL+"/checkpoints", map[string]any{}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkpoint: %d %s", res.StatusCode, string(body))
	}
	var cp CheckpointResponse
	_ = json.Unmarshal(body, &cp)
	if cp.Run.ID != run.ID || cp.Checkpoint != 1 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/communities/"+testCommunity+"/points/adjust", map[string]any{
		"actor_id": "r1",
		"category": "raider",
		"amount":   1,
	}, bearer(t, "org"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust: %d %s", res.StatusCode, string(body))
	}
}

func TestAdjustAndRoleSync(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/communities/" + testCommunity

	res, body := doJSON(t, client, http.MethodPut, base+"/actors/mod1/roles", map[string]any{
		"roles": []string{"organizer", "organizer", "mod"},
	}, bearer(t, "bot", "community.admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync roles: %d %s", res.StatusCode, string(body))
	}
	var synced ActorRolesResponse
	_ = json.Unmarshal(body, &synced)
	if len(synced.Roles) != 2 || synced.Roles[0] != "mod" {
		t.Fatalf("unexpected roles %+v", synced)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/points/adjust", map[string]any{
		"actor_id": "r1",
		"category": "raider",
		"amount":   -3.5,
	}, bearer(t, "mod1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust: %d %s", res.StatusCode, string(body))
	}
	var adj AdjustResponse
	_ = json.Unmarshal(body, &adj)
	if adj.Applied != 0 || adj.NewTotal != 0 || adj.Recorded {
		t.Fatalf("expected clamped no-op, got %+v", adj)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/points/adjust", map[string]any{
		"actor_id": "r1",
		"category": "raider",
		"amount":   2.25,
	}, bearer(t, "mod1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust up: %d %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &adj)
	if adj.Applied != 2.25 || adj.NewTotal != 2.25 {
		t.Fatalf("unexpected adjustment %+v", adj)
	}
}

func TestSystemAutoEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := createRun(t, srv, "run-3", "party-1")

	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "poller", "poller", []string{"system.autoend"})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	keyHeader := map[string]string{"X-Api-Key": secret}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/system/runs/due", nil, bearer(t, "org"))
	expectError(t, res, body, http.StatusForbidden, string(domain.ReasonNotSystem))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/system/runs/due", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("due runs: %d %s", res.StatusCode, string(body))
	}
	var due []domain.Run
	_ = json.Unmarshal(body, &due)
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}

	*srv.clock = srv.clock.Add(3 * time.Hour)
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/system/runs/due", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("due runs: %d %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &due)
	if len(due) != 1 || due[0].ID != run.ID {
		t.Fatalf("expected %s due, got %+v", run.ID, due)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/runs/"+run.ID+"/auto-end", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto-end: %d %s", res.StatusCode, string(body))
	}
	var ended domain.Run
	_ = json.Unmarshal(body, &ended)
	if ended.Status != domain.RunEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/runs/"+run.ID+"/auto-end", nil, keyHeader)
	expectError(t, res, body, http.StatusConflict, string(domain.ReasonInvalidTransition))
}

func TestAuditForwarderDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Raidline-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer sink.Close()

	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	cfg := config.Default(testCommunity)
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Secret: "s3cret", Events: []string{"run.created"}}}
	if err := srv.Engine.ImportConfig(ctx, cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}

	fwd := NewAuditForwarder(srv.Engine, quietLogger())
	fwd.DispatchAll(ctx)
	createRun(t, srv, "run-4", "party-1")
	fwd.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Type != "run.created" || received[0].EntityID != "run-4" || received[0].CommunityID != testCommunity {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
}
