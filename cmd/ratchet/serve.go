package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/render"
	"github.com/kingrea/ratchet/internal/runner"
	"github.com/kingrea/ratchet/internal/watch"
	"github.com/kingrea/ratchet/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

var (
	runOnce      bool
	refreshWatch bool
	serveWatch   bool
)

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, refreshCmd)
	runCmd.Flags().BoolVar(&runOnce, "once", false, "make a single pass and exit")
	refreshCmd.Flags().BoolVar(&refreshWatch, "watch", false, "keep watching workspaces and refresh on change")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "watch workspaces for edits to approved artifacts")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run automated actions for every active work item",
	Long: `Run the automation loop: pending fan-out first, then the next automated
action of each work item. Every action runs under a lease, so several runners
may share one project.

Examples:
  ratchet run --once
  RATCHET_RUNNER_POLL_INTERVAL=10s ratchet run`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		if runOnce {
			outcomes, err := a.runner.PollOnce(ctx)
			for _, out := range outcomes {
				if out.Status == runner.StatusIdle {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", out.WorkItemID, out.Action, out.Status, out.Reason)
			}
			return err
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.runner.Poll(ctx)
	}),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation loop and the board webhook together",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := webhook.NewServer(webhook.SettingsFromConfig(a.cfg), a.runner, webhook.WithLogger(a.log.Named("webhook")))
		if err != nil {
			return err
		}
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.runner.Poll(ctx)
		})
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				if errors.Is(err, webhook.ErrServerDisabled) {
					a.log.Info("webhook disabled")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook listening on %s\n", srv.BaseURL())
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if serveWatch {
			g.Go(func() error {
				return a.watch(ctx, nil)
			})
		}
		return g.Wait()
	}),
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [work-item]",
	Short: "Re-hash workspaces and re-classify artifacts",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		items, err := a.engine.List(ctx)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			item, err := a.engine.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			items = items[:0]
			items = append(items, item)
		}
		out := cmd.OutOrStdout()
		for _, item := range items {
			reg, err := a.engine.Refresh(ctx, item.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s (%s)\n%s", item.ExternalID, item.Stage, render.Artifacts(reg))
		}
		if !refreshWatch {
			return nil
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ids := make(map[string]bool, len(items))
		for _, item := range items {
			ids[item.ID] = true
		}
		return a.watch(ctx, func(id string, reg integrity.Registry) {
			if ids[id] {
				fmt.Fprintf(out, "%s changed\n%s", id, render.Artifacts(reg))
			}
		})
	}),
}

// watch refreshes every active work item whose workspace changes.
func (a *app) watch(ctx context.Context, handler watch.Handler) error {
	w, err := watch.New(a.engine, watch.WithHandler(handler), watch.WithLogger(a.log.Named("watch")))
	if err != nil {
		return err
	}
	defer w.Close()
	items, err := a.engine.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Archived {
			continue
		}
		if err := w.Add(item.ID, item.Workspace); err != nil {
			a.log.Warn("cannot watch workspace", zap.String("work_item", item.ID), zap.Error(err))
		}
	}
	return w.Run(ctx)
}
