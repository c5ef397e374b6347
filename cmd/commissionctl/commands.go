package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"commission-engine/config"
	"commission-engine/internal/app"
	"commission-engine/internal/util"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func setupLogger(cmd *cobra.Command) error {
	level, _ := cmd.Flags().GetString("log-level")
	return util.InitLogger("development", level)
}

// withEngine loads configuration, wires the engine and runs fn against it
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, engine *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(ctx, engine)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recreate commissions for approved payments that lack one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				n, err := engine.Approvals.Reconcile(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recreated %d commission(s)\n", n)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep over due and abandoned payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				result, err := engine.Retries.Sweep(ctx, engine.Approvals)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func deliverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Relay stranded lifecycle events and drain due webhook deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("max")
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				relayed := 0
				for {
					n, err := engine.Notifier.Relay(ctx)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
					relayed += n
				}
				if relayed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Relayed %d lifecycle event(s)\n", relayed)
				}

				total := 0
				for limit <= 0 || total < limit {
					n, err := engine.Webhooks.DeliverDue(ctx)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
					total += n
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d delivery attempt(s)\n", total)
				return nil
			})
		},
	}
	cmd.Flags().IntP("max", "n", 0, "Stop after this many attempts (0 drains the queue)")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [reseller-id]",
		Short: "Show a reseller's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				balance, err := engine.Approvals.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), balance)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List commissions waiting for manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				commissions, err := engine.Approvals.ReviewQueue(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), commissions)
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Maximum results")
	return cmd
}

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect webhook subscriptions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show the health of every subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				health, err := engine.Webhooks.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), health)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *app.App) error {
				stats, err := engine.Webhooks.Statistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Database.URL = redact(cfg.Database.URL)
			cfg.Redis.Password = redact(cfg.Redis.Password)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return s
	}
	return "********"
}
