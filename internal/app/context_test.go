package app

import (
	"context"
	"testing"

	"raidline/internal/config"
	"raidline/internal/db"
)

func TestResolveCommunity(t *testing.T) {
	ctx := context.Background()
	e, closeFn, err := Open(db.Config{Workspace: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()

	if _, _, err := ResolveCommunity(ctx, e, ""); err == nil {
		t.Fatalf("expected error with no communities")
	}
	id, cfg, err := ResolveCommunity(ctx, e, "fresh")
	if err != nil {
		t.Fatalf("explicit community: %v", err)
	}
	if id != "fresh" || cfg.Runs.DefaultAutoEndMinutes != 120 {
		t.Fatalf("expected defaults for fresh, got %s %+v", id, cfg.Runs)
	}

	if err := e.ImportConfig(ctx, config.Default("c1"), "admin"); err != nil {
		t.Fatalf("import c1: %v", err)
	}
	id, _, err = ResolveCommunity(ctx, e, "")
	if err != nil || id != "c1" {
		t.Fatalf("expected single community c1, got %q %v", id, err)
	}

	if err := e.ImportConfig(ctx, config.Default("c2"), "admin"); err != nil {
		t.Fatalf("import c2: %v", err)
	}
	if _, _, err := ResolveCommunity(ctx, e, ""); err == nil {
		t.Fatalf("expected ambiguity error with two communities")
	}
}
