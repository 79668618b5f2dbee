package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/ledger"
	"raidline/internal/points"
	"raidline/internal/repo"
)

func pointsCmd() *cobra.Command {
	c := &cobra.Command{Use: "points", Short: "Ledger credits and adjustments"}
	c.AddCommand(pointsAdjustCmd())
	c.AddCommand(pointsLogCmd("log-runs", "Credit (or reverse) runs organized by hand", false))
	c.AddCommand(pointsLogCmd("log-keys", "Credit (or reverse) key pops by hand", true))
	c.AddCommand(pointsTotalCmd())
	c.AddCommand(pointsHistoryCmd())
	return c
}

func pointsAdjustCmd() *cobra.Command {
	var actor, category, amount string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Add or remove points; totals never drop below zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := points.ParseDelta(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				res, err := e.AdjustPoints(ctx, engine.AdjustOptions{
					CommunityID: communityID,
					CallerID:    actorID(),
					CallerRoles: callerRoles(),
					ActorID:     actor,
					Category:    category,
					Delta:       delta,
				})
				if err != nil {
					return err
				}
				return printValue(res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor to adjust")
	cmd.Flags().StringVar(&category, "category", "raider", "column (raider, organizer)")
	cmd.Flags().StringVar(&amount, "amount", "", "signed amount with at most two decimals")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func pointsLogCmd(use, short string, keys bool) *cobra.Command {
	var actor, activity string
	var count int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				opts := engine.ManualLogOptions{
					CommunityID: communityID,
					CallerID:    actorID(),
					CallerRoles: callerRoles(),
					ActorID:     actor,
					ActivityKey: activity,
					Count:       count,
				}
				var (
					res engine.ManualLogResult
					err error
				)
				if keys {
					res, err = e.LogManualKeyPops(ctx, opts)
				} else {
					res, err = e.LogManualCredit(ctx, opts)
				}
				if err != nil {
					return err
				}
				return printValue(res)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor to credit")
	cmd.Flags().StringVar(&activity, "activity", "", "activity key")
	cmd.Flags().Int64Var(&count, "count", 1, "signed count; negative reverses")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("activity")
	return cmd
}

func pointsTotalCmd() *cobra.Command {
	var actor, since, until string
	cmd := &cobra.Command{
		Use:   "total",
		Short: "Show an actor's raider and organizer totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTimeFlag("since", since)
			if err != nil {
				return err
			}
			to, err := parseTimeFlag("until", until)
			if err != nil {
				return err
			}
			if actor == "" {
				actor = actorID()
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				totals, err := e.Totals(ctx, communityID, actor, from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(totals)
				}
				fmt.Printf("%s: raider %s, organizer %s\n", actor, totals.Raider, totals.Organizer)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor (default: current actor)")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound (exclusive)")
	return cmd
}

func pointsHistoryCmd() *cobra.Command {
	var actor, activity string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				items, err := e.LedgerEvents(ctx, repo.LedgerFilters{CommunityID: communityID, ActorID: actor, ActivityKey: activity}, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Time", "Actor", "Action", "Activity", "Raider", "Organizer", "Units")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.CreatedAt, ev.ActorID, ev.ActionType, ev.ActivityKey, ev.RaiderPoints, ev.OrganizerPoints, ev.Units})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	cmd.Flags().StringVar(&activity, "activity", "", "activity filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var activity, role, since, until string
	var limit int
	boards := make([]string, 0, len(ledger.Boards))
	for _, b := range ledger.Boards {
		boards = append(boards, string(b))
	}
	cmd := &cobra.Command{
		Use:   "leaderboard <board>",
		Short: "Rank actors on a board",
		Long:  "Boards: " + strings.Join(boards, ", ") + ". With --role and no bounds the role's current period applies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTimeFlag("since", since)
			if err != nil {
				return err
			}
			to, err := parseTimeFlag("until", until)
			if err != nil {
				return err
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				entries, err := e.GetLeaderboard(ctx, engine.LeaderboardOptions{
					CommunityID: communityID,
					Board:       args[0],
					ActivityKey: activity,
					RoleID:      role,
					Since:       from,
					Until:       to,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("#", "Actor", "Value")
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Rank, entry.ActorID, entry.Value})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&activity, "activity", "", "activity filter")
	cmd.Flags().StringVar(&role, "role", "", "scope to a role's current period")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", 10, "max entries")
	return cmd
}

func quotaCmd() *cobra.Command {
	c := &cobra.Command{Use: "quota", Short: "Role quotas and accounting periods"}
	c.AddCommand(quotaSetCmd())
	c.AddCommand(quotaResetCmd())
	c.AddCommand(quotaStatusCmd())
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role quota configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				items, err := e.ListRoleQuotas(ctx, communityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Role", "Required", "Period start", "Next reset")
				for _, q := range items {
					tw.AppendRow(table.Row{q.RoleID, q.RequiredPoints, q.PeriodStart.Format("2006-01-02 15:04"), q.PeriodReset.Format("2006-01-02 15:04")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return c
}

// moderationFlags maps --<action> flags onto moderation point values.
var moderationFlags = []string{
	domain.ModerationVerification,
	domain.ModerationWarning,
	domain.ModerationSuspension,
	domain.ModerationModmail,
	domain.ModerationNameEdit,
	domain.ModerationNote,
}

func moderationFromFlags(cmd *cobra.Command) (domain.ModerationPoints, error) {
	var m domain.ModerationPoints
	targets := map[string]*points.Amount{
		domain.ModerationVerification: &m.Verification,
		domain.ModerationWarning:      &m.Warning,
		domain.ModerationSuspension:   &m.Suspension,
		domain.ModerationModmail:      &m.Modmail,
		domain.ModerationNameEdit:     &m.NameEdit,
		domain.ModerationNote:         &m.Note,
	}
	for _, action := range moderationFlags {
		flag := strings.ReplaceAll(action, "_", "-")
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		v, err := points.ParseAmount(raw)
		if err != nil {
			return m, fmt.Errorf("--%s: %w", flag, err)
		}
		*targets[action] = v
	}
	return m, nil
}

func quotaSetCmd() *cobra.Command {
	var required, periodStart string
	var periodDays int
	cmd := &cobra.Command{
		Use:   "set <role>",
		Short: "Configure a role's required points and moderation values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := points.ParseAmount(required)
			if err != nil {
				return fmt.Errorf("--required: %w", err)
			}
			moderation, err := moderationFromFlags(cmd)
			if err != nil {
				return err
			}
			start, err := parseTimeFlag("period-start", periodStart)
			if err != nil {
				return err
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				cfg, err := e.SetRoleQuota(ctx, engine.RoleQuotaOptions{
					CommunityID:    communityID,
					CallerID:       actorID(),
					CallerRoles:    callerRoles(),
					RoleID:         args[0],
					RequiredPoints: req,
					Moderation:     moderation,
					PeriodStart:    start,
					PeriodDays:     periodDays,
				})
				if err != nil {
					return err
				}
				return printValue(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&required, "required", "0", "points required per period")
	cmd.Flags().StringVar(&periodStart, "period-start", "", "RFC3339 start of the current period")
	cmd.Flags().IntVar(&periodDays, "period-days", 0, "period length in days (default: community setting)")
	for _, action := range moderationFlags {
		flag := strings.ReplaceAll(action, "_", "-")
		cmd.Flags().String(flag, "", "points for a "+strings.ReplaceAll(action, "_", " ")+" action")
	}
	return cmd
}

func quotaResetCmd() *cobra.Command {
	var periodDays int
	cmd := &cobra.Command{
		Use:   "reset <role>",
		Short: "Start a new accounting period for a role now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				cfg, err := e.ResetPeriod(ctx, engine.ResetPeriodOptions{
					CommunityID: communityID,
					CallerID:    actorID(),
					CallerRoles: callerRoles(),
					RoleID:      args[0],
					PeriodDays:  periodDays,
				})
				if err != nil {
					return err
				}
				return printValue(cfg)
			})
		},
	}
	cmd.Flags().IntVar(&periodDays, "period-days", 0, "period length in days (default: community setting)")
	return cmd
}

func quotaStatusCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "status <role>",
		Short: "Show an actor's progress toward a role quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				st, err := e.QuotaStatus(ctx, communityID, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				mark := "not met"
				if st.Met {
					mark = "met"
				}
				fmt.Printf("%s as %s: %s / %s (%s) for %s .. %s\n", st.ActorID, st.RoleID, st.Earned, st.Required, mark,
					st.PeriodStart.Format("2006-01-02"), st.PeriodEnd.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor (default: current actor)")
	return cmd
}

func overrideCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "override",
		Short: "Point value overrides",
		Long:  "Overrides replace category defaults per activity, optionally for one role. The highest matching role override wins.",
	}
	var category, role, activity, value string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set an override",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := points.ParseAmount(value)
			if err != nil {
				return fmt.Errorf("--points: %w", err)
			}
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				o, err := e.SetOverride(ctx, engine.OverrideOptions{
					CommunityID: communityID,
					CallerID:    actorID(),
					CallerRoles: callerRoles(),
					Category:    category,
					RoleID:      role,
					ActivityKey: activity,
					Points:      amount,
				})
				if err != nil {
					return err
				}
				return printValue(o)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				deleted, err := e.DeleteOverride(ctx, engine.OverrideOptions{
					CommunityID: communityID,
					CallerID:    actorID(),
					CallerRoles: callerRoles(),
					Category:    category,
					RoleID:      role,
					ActivityKey: activity,
				})
				if err != nil {
					return err
				}
				return printValue(map[string]any{"deleted": deleted})
			})
		},
	}
	for _, cmd := range []*cobra.Command{set, del} {
		cmd.Flags().StringVar(&category, "category", "", "category (organizer, raider, key_pop)")
		cmd.Flags().StringVar(&role, "role", "", "role id (default: community-wide)")
		cmd.Flags().StringVar(&activity, "activity", "", "activity key")
		_ = cmd.MarkFlagRequired("category")
		_ = cmd.MarkFlagRequired("activity")
	}
	set.Flags().StringVar(&value, "points", "", "point value")
	_ = set.MarkFlagRequired("points")
	c.AddCommand(set, del)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommunity(cmd.Context(), func(ctx context.Context, e engine.Engine, communityID string, _ *config.Config) error {
				items, err := e.ListOverrides(ctx, communityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Category", "Role", "Activity", "Points")
				for _, o := range items {
					r := o.RoleID
					if r == "" {
						r = "*"
					}
					tw.AppendRow(table.Row{o.Category, r, o.ActivityKey, o.Points})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return c
}
