package period

import (
	"testing"
	"time"

	"raidline/internal/domain"
)

func TestWindowForUsesConfiguredBounds(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := domain.RoleQuotaConfig{PeriodStart: start, PeriodReset: start.Add(48 * time.Hour)}
	w := WindowFor(cfg)
	if !w.Start.Equal(start) || !w.End.Equal(start.Add(48*time.Hour)) {
		t.Fatalf("unexpected window %+v", w)
	}
	if !w.Contains(start) {
		t.Fatalf("window should include its start")
	}
	if w.Contains(start.Add(48 * time.Hour)) {
		t.Fatalf("window should exclude its end")
	}
	if w.Contains(start.Add(-time.Second)) {
		t.Fatalf("window should exclude times before start")
	}
}

func TestOpenEndedWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: start}
	if !w.Contains(start.AddDate(5, 0, 0)) {
		t.Fatalf("open ended window should contain future times")
	}
	since, until := w.Bounds()
	if since == nil || until != nil {
		t.Fatalf("expected only since bound, got %v %v", since, until)
	}
}

func TestResetDefaultsToSevenDays(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 30, 15, 500, time.UTC)
	cfg := Reset(domain.RoleQuotaConfig{RoleID: "mod"}, now, 0)
	if cfg.RoleID != "mod" {
		t.Fatalf("reset dropped role id")
	}
	want := now.Truncate(time.Second)
	if !cfg.PeriodStart.Equal(want) {
		t.Fatalf("start = %s, want %s", cfg.PeriodStart, want)
	}
	if got := cfg.PeriodReset.Sub(cfg.PeriodStart); got != 7*24*time.Hour {
		t.Fatalf("length = %s", got)
	}
}

func TestLengthFromDays(t *testing.T) {
	if LengthFromDays(0) != DefaultLength {
		t.Fatalf("zero days should use default")
	}
	if LengthFromDays(14) != 14*24*time.Hour {
		t.Fatalf("unexpected length")
	}
}
