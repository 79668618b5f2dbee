package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/logging"
	"raidline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Raidline CLI",
	Long: `Raidline keeps point accounting for community-organized runs.
- Runs: an organizer opens a run, starts it, calls checkpoints and ends it.
- Checkpoints: each one snapshots who joined and credits the previous snapshot.
- Points: raider and organizer columns in an append-only ledger; totals never go negative.
- Quotas: roles earn toward a required amount per accounting period.
- Event log: every change is recorded, view it with 'rl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RAIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory for the sqlite store")
	flags.String("db-driver", "sqlite", "store driver (sqlite, pgx)")
	flags.String("dsn", "", "store DSN (required for pgx)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.StringSlice("roles", nil, "roles asserted for the actor (default: stored roles)")
	flags.String("community", "", "community id (default: the only stored community)")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens (serve, token)")
	for _, name := range []string{"workspace", "db-driver", "dsn", "json", "actor-id", "roles", "community", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(communityCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pointsCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pollerCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println("store is up to date")
				return nil
			})
		},
	}
}

func communityCmd() *cobra.Command {
	c := &cobra.Command{Use: "community", Short: "Manage communities"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List communities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCommunities(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	cfgCmd := &cobra.Command{Use: "config", Short: "Community configuration"}
	cfgCmd.AddCommand(communityConfigImportCmd())
	cfgCmd.AddCommand(communityConfigShowCmd())
	c.AddCommand(cfgCmd)
	return c
}

func communityConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and store a community YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportConfig(ctx, cfg, actorID()); err != nil {
					return err
				}
				fmt.Printf("imported config for community %s\n", cfg.Community.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func communityConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective community config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, cfg *config.Config) error {
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func rolesCmd() *cobra.Command {
	c := &cobra.Command{Use: "roles", Short: "Actor roles synced from the chat platform"}
	c.AddCommand(&cobra.Command{
		Use:   "set <actor> [role...]",
		Short: "Replace an actor's roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				roles, err := e.SetActorRoles(ctx, communityID, args[0], args[1:], actorID())
				if err != nil {
					return err
				}
				return printValue(map[string]any{"actor_id": args[0], "roles": roles})
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show <actor>",
		Short: "Show an actor's stored roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				roles, err := e.ActorRoles(ctx, communityID, args[0])
				if err != nil {
					return err
				}
				return printValue(map[string]any{"actor_id": args[0], "roles": roles})
			})
		},
	})
	return c
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	var name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		Long:  "The secret is printed once. Grant system.autoend to the key the poller uses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actorID(), name, perms)
				if err != nil {
					return err
				}
				return printValue(map[string]any{"id": key.ID, "actor_id": key.ActorID, "permissions": key.Permissions, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable)")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the current actor's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Permissions", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one of the current actor's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0], actorID())
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: runs, checkpoints, credits, adjustments and config changes.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				events, err := e.Events(ctx, repo.EventFilters{
					CommunityID: communityID,
					Type:        evtType,
					EntityKind:  entityKind,
					EntityID:    entityID,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	c.AddCommand(tail)
	return c
}

// --- helpers ---

func newLogger() (*logrus.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func dbConfig() db.Config {
	return db.Config{
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("dsn"),
		Workspace: viper.GetString("workspace"),
	}
}

func withStore(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	e, closeFn, err := app.Open(dbConfig(), logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func withCommunity(ctx context.Context, fn func(context.Context, engine.Engine, string, *config.Config) error) error {
	return withStore(ctx, func(ctx context.Context, e engine.Engine) error {
		communityID, cfg, err := app.ResolveCommunity(ctx, e, viper.GetString("community"))
		if err != nil {
			return err
		}
		return fn(ctx, e, communityID, cfg)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

// callerRoles returns nil when no roles were asserted so stored roles apply.
func callerRoles() []string {
	roles := viper.GetStringSlice("roles")
	if len(roles) == 0 {
		return nil
	}
	return roles
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

// printValue prints JSON, indented for humans unless --json asks for the
// machine form.
func printValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return &t, nil
}
