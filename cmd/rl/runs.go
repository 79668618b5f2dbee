package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/repo"
)

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs move open -> live -> ended. Ending a run credits the organizer and the last checkpoint's raiders.",
	}
	c.AddCommand(runCreateCmd())
	c.AddCommand(runShowCmd())
	c.AddCommand(runListCmd())
	c.AddCommand(runTransitionCmd("start", "Start a run", domain.RunLive))
	c.AddCommand(runTransitionCmd("end", "End a run", domain.RunEnded))
	c.AddCommand(runCheckpointCmd())
	c.AddCommand(runParticipationCmd("join", "Join a run", true))
	c.AddCommand(runParticipationCmd("leave", "Leave a run", false))
	c.AddCommand(runTagCmd())
	c.AddCommand(runKeyCmd())
	return c
}

func runCreateCmd() *cobra.Command {
	var opts engine.CreateRunOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a run organized by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				opts.CommunityID = communityID
				opts.OrganizerID = actorID()
				opts.OrganizerRoles = callerRoles()
				run, err := e.CreateRun(ctx, opts)
				if err != nil {
					return err
				}
				return printValue(run)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "run id (default: generated)")
	cmd.Flags().StringVar(&opts.ActivityKey, "activity", "", "activity key")
	cmd.Flags().StringVar(&opts.ActivityLabel, "label", "", "activity label (default: catalog label)")
	cmd.Flags().StringVar(&opts.ChannelID, "channel", "", "chat channel id")
	cmd.Flags().IntVar(&opts.AutoEndMinutes, "auto-end", 0, "minutes until the run ends itself (default: community setting)")
	cmd.Flags().StringVar(&opts.Party, "party", "", "party name")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ScreenshotURL, "screenshot", "", "screenshot url")
	_ = cmd.MarkFlagRequired("activity")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run>",
		Short: "Show a run with its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if run.CommunityID != communityID {
					return repo.ErrNotFound
				}
				participants, err := e.ListParticipants(ctx, run.ID)
				if err != nil {
					return err
				}
				keys, err := e.ListKeyReactions(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "participants": participants, "keys": keys})
				}
				fmt.Printf("Run %s: %s (%s)\n", run.ID, run.ActivityLabel, run.Status)
				fmt.Printf("Organizer: %s  Checkpoints: %d  Auto-end: %s\n", run.OrganizerID, run.CheckpointCount, run.AutoEndAt)
				tw := newTable("Actor", "Tag", "Since")
				for _, p := range participants {
					tw.AppendRow(table.Row{p.ActorID, p.ClassTag, p.UpdatedAt})
				}
				fmt.Println(tw.Render())
				if len(keys) > 0 {
					kw := newTable("Actor", "Key")
					for _, k := range keys {
						kw.AppendRow(table.Row{k.ActorID, k.KeyType})
					}
					fmt.Println(kw.Render())
				}
				return nil
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var status, organizer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				runs, err := e.ListRuns(ctx, repo.RunFilters{
					CommunityID: communityID,
					OrganizerID: organizer,
					Status:      domain.RunStatus(status),
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("ID", "Activity", "Organizer", "Status", "Checkpoints", "Created")
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.ActivityLabel, r.OrganizerID, r.Status, r.CheckpointCount, r.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, live, ended)")
	cmd.Flags().StringVar(&organizer, "organizer", "", "organizer filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func runTransitionCmd(use, short string, to domain.RunStatus) *cobra.Command {
	var system bool
	cmd := &cobra.Command{
		Use:   use + " <run>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				run, err := e.Transition(ctx, engine.TransitionOptions{
					CommunityID: communityID,
					RunID:       args[0],
					ActorID:     actorID(),
					ActorRoles:  callerRoles(),
					Status:      to,
					System:      system,
				})
				if err != nil {
					return err
				}
				return printValue(run)
			})
		},
	}
	if to == domain.RunEnded {
		cmd.Flags().BoolVar(&system, "system", false, "end as the auto-end system, skipping actor checks")
	}
	return cmd
}

func runCheckpointCmd() *cobra.Command {
	var window int
	var keyHolder string
	cmd := &cobra.Command{
		Use:   "checkpoint <run>",
		Short: "Snapshot joiners and credit the previous checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				opts := engine.CheckpointOptions{
					CommunityID: communityID,
					RunID:       args[0],
					ActorID:     actorID(),
					KeyHolderID: keyHolder,
				}
				if cmd.Flags().Changed("window") {
					opts.WindowSeconds = &window
				}
				res, err := e.TriggerCheckpoint(ctx, opts)
				if err != nil {
					return err
				}
				return printValue(res)
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "checkpoint window in seconds (default: community setting)")
	cmd.Flags().StringVar(&keyHolder, "key-holder", "", "actor credited for the key pop (default: organizer)")
	return cmd
}

func runParticipationCmd(use, short string, join bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				changed, err := e.SetParticipation(ctx, engine.ParticipationOptions{
					CommunityID: communityID,
					RunID:       args[0],
					ActorID:     actorID(),
					Join:        join,
				})
				if err != nil {
					return err
				}
				return printValue(map[string]any{"run_id": args[0], "changed": changed})
			})
		},
	}
}

func runTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <run> <tag>",
		Short: "Set the class or role the actor brings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				return e.SetActivityTag(ctx, engine.TagOptions{
					CommunityID: communityID,
					RunID:       args[0],
					ActorID:     actorID(),
					Tag:         args[1],
				})
			})
		},
	}
}

func runKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <run> <key-type>",
		Short: "Toggle an \"I bring a key\" marker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				added, err := e.ToggleKeyReaction(ctx, engine.KeyReactionOptions{
					CommunityID: communityID,
					RunID:       args[0],
					ActorID:     actorID(),
					KeyType:     args[1],
				})
				if err != nil {
					return err
				}
				return printValue(map[string]any{"run_id": args[0], "key_type": args[1], "added": added})
			})
		},
	}
}
