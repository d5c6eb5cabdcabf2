// Package main implements the ratchet CLI: it registers work items, moves
// them through the lifecycle, and runs the automation loop and webhook.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/config"
	"github.com/kingrea/ratchet/internal/engine"
	"github.com/kingrea/ratchet/internal/fanout"
	"github.com/kingrea/ratchet/internal/generator"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/logging"
	"github.com/kingrea/ratchet/internal/runner"
	"github.com/kingrea/ratchet/internal/store/sqlite"
)

var (
	// projectDir is the directory holding .ratchet/
	projectDir string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ratchet",
	Short: "Governed lifecycle engine for work items",
	Long: `ratchet moves work items through a staged lifecycle. Approval gates
lock the artifacts they approve, automated stages run at most once, and every
transition is recorded in an append-only event log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory containing .ratchet/")
}

// app is everything a command needs, opened from the project config.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	def     lifecycle.Definition
	store   *sqlite.Store
	engine  *engine.Engine
	board   *board.Local
	stages  board.StageMap
	coord   *idempotency.Coordinator
	spawner *fanout.Spawner
	runner  *runner.Runner
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{
		Level:   cfg.Project.Logging.Level,
		Format:  cfg.Project.Logging.Format,
		Path:    cfg.LogPath(),
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	def, err := loadDefinition(a.cfg)
	if err != nil {
		return err
	}
	a.def = def
	a.store, err = sqlite.Open(ctx, a.cfg.Project.Store.Path, sqlite.WithLogger(a.log.Named("store")))
	if err != nil {
		return err
	}
	a.engine, err = engine.New(def, a.store,
		engine.WithLogger(a.log.Named("engine")),
		engine.WithWorkspaceRoot(a.cfg.Project.Workspaces.Root),
	)
	if err != nil {
		return err
	}
	a.board = board.NewLocal(a.cfg.Project.Board.Path)
	a.stages = board.NewStageMap(def, a.cfg.Project.Board.StageMap)
	a.coord, err = idempotency.NewCoordinator(a.store,
		idempotency.WithLeaseTTL(a.cfg.Project.Leases.TTL),
		idempotency.WithOwner(a.cfg.Project.Runner.Owner),
		idempotency.WithLogger(a.log.Named("idempotency")),
	)
	if err != nil {
		return err
	}
	a.spawner, err = fanout.NewSpawner(a.board,
		fanout.WithMaxChildren(a.cfg.Project.FanOut.MaxChildren),
		fanout.WithChildState(a.cfg.Project.FanOut.ChildState),
		fanout.WithLogger(a.log.Named("fanout")),
	)
	if err != nil {
		return err
	}
	opts := []runner.Option{
		runner.WithBoard(a.board, a.stages),
		runner.WithSpawner(a.spawner),
		runner.WithRateLimit(a.cfg.Project.Runner.RateLimit, a.cfg.Project.Runner.Burst),
		runner.WithPollInterval(a.cfg.Project.Runner.PollInterval),
		runner.WithLogger(a.log.Named("runner")),
	}
	if len(a.cfg.Project.Runner.Generator) > 0 {
		gen := generator.Exec{Command: a.cfg.Project.Runner.Generator, Timeout: a.cfg.Project.Runner.GeneratorTimeout}
		opts = append(opts, runner.WithDefaultAction(runner.GenerateArtifact{Generator: gen}))
	}
	a.runner, err = runner.New(a.engine, a.coord, opts...)
	return err
}

// Close releases the store and flushes the log.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	}
	_ = a.log.Close()
}

func loadDefinition(cfg *config.Config) (lifecycle.Definition, error) {
	if cfg.Project.Lifecycle.Path == "" {
		return lifecycle.Default()
	}
	def, err := lifecycle.LoadDefinitionFile(cfg.Project.Lifecycle.Path)
	if err != nil {
		return lifecycle.Definition{}, fmt.Errorf("load lifecycle %s: %w", cfg.Project.Lifecycle.Path, err)
	}
	return def, nil
}

// withApp opens the app for the duration of one command.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a, args)
	}
}
