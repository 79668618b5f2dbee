package poller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	raidlinesdk "raidline/sdk/go"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSweepEndsDueRuns(t *testing.T) {
	var (
		mu    sync.Mutex
		ended []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "rl_poller" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/system/runs/due":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "run-1", "community_id": "c1", "status": "live"},
				{"id": "run-2", "community_id": "c1", "status": "open"},
				{"id": "run-3", "community_id": "c2", "status": "live"},
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/auto-end"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/system/runs/"), "/auto-end")
			if id == "run-3" {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"already ended"}}`))
				return
			}
			mu.Lock()
			ended = append(ended, id)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "ended"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := raidlinesdk.New(srv.URL, "")
	client.APIKey = "rl_poller"
	p := New(client, quiet())
	n, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 runs ended, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ended) != 2 || ended[0] != "run-1" || ended[1] != "run-2" {
		t.Fatalf("unexpected ended runs %v", ended)
	}
}

func TestSweepReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "run-1", "community_id": "c1"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(raidlinesdk.New(srv.URL, ""), quiet())
	n, err := p.Sweep(context.Background())
	if err == nil {
		t.Fatalf("expected failure to be reported")
	}
	if n != 0 {
		t.Fatalf("expected nothing ended, got %d", n)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	p := New(raidlinesdk.New("http://127.0.0.1:0", ""), quiet())
	if err := p.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatalf("expected schedule error")
	}
}
