// Package app holds the wiring shared by the rl commands.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/migrate"
)

// Open connects to the store, applies migrations and returns an engine on it.
// The returned close func releases the connection.
func Open(cfg db.Config, logger logrus.FieldLogger) (engine.Engine, func() error, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn)
	if logger != nil {
		e.Log = logger
	}
	return e, conn.Close, nil
}

// ResolveCommunity picks the community a command acts on. An explicit id
// wins; otherwise the store must hold exactly one community. The config is
// the stored one, or the defaults when none was imported.
func ResolveCommunity(ctx context.Context, e engine.Engine, override string) (string, *config.Config, error) {
	communityID := strings.TrimSpace(override)
	if communityID == "" {
		communities, err := e.Repo.ListCommunities(ctx, e.DB)
		if err != nil {
			return "", nil, err
		}
		switch len(communities) {
		case 0:
			return "", nil, fmt.Errorf("no community yet; import a config with 'rl community config import'")
		case 1:
			communityID = communities[0].ID
		default:
			return "", nil, fmt.Errorf("%d communities stored; pick one with --community", len(communities))
		}
	}
	cfg, err := e.ConfigFor(ctx, communityID)
	if err != nil {
		return "", nil, err
	}
	return communityID, cfg, nil
}
