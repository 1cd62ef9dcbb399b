// Package main provides an operator CLI for starting syncs, inspecting sync
// status and recomputing RFM scores outside the worker schedule.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storefront-crm/internal/app"
	"github.com/storefront-crm/internal/config"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sync",
		Short:        "Run and inspect customer and order syncs",
		SilenceUsage: true,
	}

	cmd.AddCommand(newFullCommand(), newIncrementalCommand(), newPollCommand(), newStatusCommand(), newRFMCommand())
	return cmd
}

// withApp loads configuration, builds the application and runs fn for the
// shop named by the first argument
func withApp(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app.App, shop string) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx := logging.WithLogger(cmd.Context(), logging.GetGlobalLogger())
	a, err := app.New(ctx, cfg, logging.GetGlobalLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, types.ShopIDFromURL(args[0]))
}

func newFullCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "full <shop>",
		Short: "Start or resume a full bulk export sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, args, func(ctx context.Context, a *app.App, shop string) error {
				syncLog, err := a.Syncs.StartFullSync(ctx, shop, force)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), syncLog)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "start a fresh export even when one is running or resumable")
	return cmd
}

func newIncrementalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "incremental <shop>",
		Short: "Sync records updated since the last completed sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, args, func(ctx context.Context, a *app.App, shop string) error {
				syncLog, err := a.Syncs.StartIncrementalSync(ctx, shop)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), syncLog)
			})
		},
	}
}

func newPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <shop> <sync-log-id>",
		Short: "Check a running full sync's bulk operation and import it when finished",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, args, func(ctx context.Context, a *app.App, shop string) error {
				op, err := a.Syncs.PollBulkOperation(ctx, shop, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <shop>",
		Short: "Show the latest sync and staleness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, args, func(ctx context.Context, a *app.App, shop string) error {
				status, err := a.Syncs.Status(ctx, shop)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newRFMCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rfm <shop>",
		Short: "Recompute RFM scores and fire segment change automations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, args, func(ctx context.Context, a *app.App, shop string) error {
				changes, err := a.RFM.RecalculateAllRFMScores(ctx, shop)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"shop":           shop,
					"segmentChanges": changes,
				})
			})
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
