package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paytag/internal/amount"
	"paytag/internal/app"
	"paytag/internal/domain"
	"paytag/internal/engine"
)

func tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Payment tag commands",
	}
	cmd.AddCommand(tagCreateCmd())
	cmd.AddCommand(tagGetCmd())
	cmd.AddCommand(tagListCmd())
	cmd.AddCommand(tagTransitionCmd("fulfill", "Pay a pending tag as --caller", engine.Engine.FulfillTag))
	cmd.AddCommand(tagTransitionCmd("cancel", "Cancel a pending tag (creator only)", engine.Engine.CancelTag))
	cmd.AddCommand(tagTransitionCmd("expire", "Expire a pending tag past its expiry height", engine.Engine.ExpireTag))
	cmd.AddCommand(tagCanExpireCmd())
	cmd.AddCommand(tagBatchCmd())
	return cmd
}

func tagCreateCmd() *cobra.Command {
	var recipient, amt, memo string
	var duration uint64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending tag asking --recipient to pay --amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				units, err := amount.Parse(amt, env.Config.Token.Decimals)
				if err != nil {
					return err
				}
				call, err := env.Call(ctx, viper.GetString("caller"))
				if err != nil {
					return err
				}
				opts := engine.CreateOptions{Recipient: recipient, Amount: units, Duration: duration}
				if cmd.Flags().Changed("memo") {
					opts.Memo = &memo
				}
				tag, err := env.Engine.CreateTag(ctx, call, opts)
				if err != nil {
					return err
				}
				return printTag(env, tag)
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "party that must pay")
	cmd.Flags().StringVar(&amt, "amount", "", "amount in token units (e.g. 1.5) or base:<n>")
	cmd.Flags().Uint64Var(&duration, "duration", 0, "blocks until expiry")
	cmd.Flags().StringVar(&memo, "memo", "", "optional memo")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("duration")
	return cmd
}

func tagGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				tag, err := env.Engine.GetTag(ctx, id)
				if err != nil {
					return err
				}
				return printTag(env, tag)
			})
		},
	}
}

func tagListCmd() *cobra.Command {
	var party, role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tags a party created or must pay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if party == "" {
				party = viper.GetString("caller")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var ids []uint64
				var err error
				switch role {
				case "created":
					ids, err = env.Engine.ListByCreator(ctx, party)
				case "received":
					ids, err = env.Engine.ListByRecipient(ctx, party)
				default:
					return fmt.Errorf("--role must be created or received")
				}
				if err != nil {
					return err
				}
				tags := make([]domain.Tag, 0, len(ids))
				for _, id := range ids {
					tag, err := env.Engine.GetTag(ctx, id)
					if err != nil {
						return err
					}
					tags = append(tags, tag)
				}
				if viper.GetBool("json") {
					return printJSON(tags)
				}
				renderTags(env, tags)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party (defaults to --caller)")
	cmd.Flags().StringVar(&role, "role", "created", "created|received")
	return cmd
}

type transitionFunc func(engine.Engine, context.Context, engine.Call, uint64) (domain.Tag, error)

func tagTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				call, err := env.Call(ctx, viper.GetString("caller"))
				if err != nil {
					return err
				}
				tag, err := fn(env.Engine, ctx, call, id)
				if err != nil {
					return err
				}
				return printTag(env, tag)
			})
		},
	}
}

func tagCanExpireCmd() *cobra.Command {
	var at uint64
	cmd := &cobra.Command{
		Use:   "can-expire <id>",
		Short: "Report whether a tag could be expired at a height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				height := at
				if height == 0 {
					if height, err = env.Clock.Height(ctx); err != nil {
						return err
					}
				}
				ok, err := env.Engine.CanExpire(ctx, id, height)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": id, "height": height, "can_expire": ok})
				}
				fmt.Printf("tag %d can expire at %d: %t\n", id, height, ok)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&at, "at", 0, "height to evaluate (defaults to the current height)")
	return cmd
}

func tagBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <id>...",
		Short: "Fetch several tags at once; unknown ids print as null",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uint64, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				tags, err := env.Engine.GetMultiple(ctx, ids)
				if err != nil {
					return err
				}
				return printJSON(tags)
			})
		},
	}
}

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Governance pause switch",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "toggle",
		Short: "Flip the pause flag (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				call, err := env.Call(ctx, viper.GetString("caller"))
				if err != nil {
					return err
				}
				paused, err := env.Engine.TogglePause(ctx, call)
				if err != nil {
					return err
				}
				return printJSON(map[string]bool{"paused": paused})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the registry is paused",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				paused, err := env.Engine.IsPaused(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"paused": paused, "admin": env.Config.Registry.Admin})
			})
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lifecycle counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stats, err := env.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				keys := make([]string, 0, len(stats))
				for k := range stats {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stat", "Value"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k, stats[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show registry summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				info, err := env.Engine.Info(ctx)
				if err != nil {
					return err
				}
				height, err := env.Clock.Height(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"total_tags":   info.TotalTags,
					"paused":       info.Paused,
					"version":      info.Version,
					"height":       height,
					"token":        env.Config.Token.Symbol,
					"min_amount":   amount.FormatSymbol(env.Config.Registry.MinAmount, env.Config.Token.Decimals, env.Config.Token.Symbol),
					"max_duration": env.Config.Registry.MaxDuration,
				})
			})
		},
	}
}

func printTag(env *app.Env, tag domain.Tag) error {
	if viper.GetBool("json") {
		return printJSON(tag)
	}
	renderTags(env, []domain.Tag{tag})
	return nil
}

func renderTags(env *app.Env, tags []domain.Tag) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "State", "Creator", "Recipient", "Amount", "Created", "Expires", "Memo"})
	for _, t := range tags {
		memo := ""
		if t.Memo != nil {
			memo = *t.Memo
		}
		tw.AppendRow(table.Row{
			t.ID, t.State, t.Creator, t.Recipient,
			amount.FormatSymbol(t.Amount, env.Config.Token.Decimals, env.Config.Token.Symbol),
			t.CreatedAt, t.ExpiresAt, memo,
		})
	}
	tw.Render()
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tag id %q", s)
	}
	return id, nil
}
