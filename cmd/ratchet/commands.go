package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/config"
	"github.com/kingrea/ratchet/internal/engine"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/render"
)

var (
	registerTitle string
	registerStage string

	transitionActor  string
	transitionReason string
	transitionReopen bool

	spawnForce bool
	exportPath string
)

func init() {
	rootCmd.AddCommand(initCmd, validateCmd, registerCmd, transitionCmd, syncCmd, gateCheckCmd,
		statusCmd, historyCmd, locksCmd, replayCmd, recoverCmd, spawnCmd, exportCmd)

	registerCmd.Flags().StringVar(&registerTitle, "title", "", "title of the work item")
	registerCmd.Flags().StringVar(&registerStage, "stage", "", "initial stage (defaults to the first stage)")

	for _, cmd := range []*cobra.Command{transitionCmd, syncCmd} {
		cmd.Flags().StringVar(&transitionActor, "actor", defaultActor(), "who approves the move")
		cmd.Flags().StringVar(&transitionReason, "reason", "", "why the move is made")
	}
	transitionCmd.Flags().BoolVar(&transitionReopen, "reopen", false, "record a backward move as a reopen")

	spawnCmd.Flags().BoolVar(&spawnForce, "force", false, "run fan-out again even if it already completed")
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "write the manifest to a file instead of stdout")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .ratchet/ with a default config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.InitDir(projectDir); err != nil {
			return err
		}
		cfg, err := config.Load(projectDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.StateDir)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [lifecycle.yaml]",
	Short: "Validate a lifecycle definition",
	Long: `Validate a lifecycle definition file, or the configured lifecycle when no
file is given.

Examples:
  ratchet validate
  ratchet validate lifecycles/custom.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var def lifecycle.Definition
		var err error
		if len(args) == 1 {
			def, err = lifecycle.LoadDefinitionFile(args[0])
		} else {
			var cfg *config.Config
			if cfg, err = config.Load(projectDir); err == nil {
				def, err = loadDefinition(cfg)
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, actions %s\n", def.ID, len(def.Stages), strings.Join(def.Actions(), ", "))
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [card-id]",
	Short: "Register a work item",
	Long: `Register a board card as a work item. Without a card id a card is created
on the local board first. Registering an already known card is a no-op.

Examples:
  ratchet register --title "Login flow"
  ratchet register 5f0c2a --stage design_draft`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		cardID := ""
		title := registerTitle
		if len(args) == 1 {
			cardID = args[0]
			if card, err := a.board.GetWorkItem(ctx, cardID); err == nil && title == "" {
				title = card.Title
			}
		} else {
			if title == "" {
				return errors.New("--title is required when no card id is given")
			}
			stage := registerStage
			if stage == "" {
				stage = a.def.First().ID
			}
			card, err := a.board.CreateWorkItem(ctx, board.CreateRequest{Title: title, State: a.stages.Column(stage)})
			if err != nil {
				return err
			}
			cardID = card.ID
		}
		item, err := a.engine.Register(ctx, engine.RegisterRequest{ExternalID: cardID, Title: title, Stage: registerStage})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", item.ID, item.ExternalID, item.Stage)
		return nil
	}),
}

var transitionCmd = &cobra.Command{
	Use:   "transition <work-item> <stage>",
	Short: "Move a work item to a stage",
	Long: `Move a work item one stage forward (an approval) or back to an earlier
stage (a rollback, or a reopen with --reopen). The work item may be named by
its id or its card id.

Examples:
  ratchet transition 42 design_approved --actor alice
  ratchet transition 42 design_draft --reason "scope changed"`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := a.engine.Transition(ctx, item.ID, machine.TransitionRequest{
			To:     args[1],
			Actor:  transitionActor,
			Reason: transitionReason,
			Reopen: transitionReopen,
		})
		if err != nil {
			return err
		}
		a.mirror(ctx, res.Item.ExternalID, res.Item.Stage)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s -> %s (event %d)\n", res.Event.Kind, res.Event.FromStage, res.Event.ToStage, res.Event.Sequence)
		for _, lock := range res.Locked {
			fmt.Fprintf(out, "  locked   %s\n", lock.Path)
		}
		for _, lock := range res.Unlocked {
			fmt.Fprintf(out, "  released %s\n", lock.Path)
		}
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync <work-item> <stage>",
	Short: "Walk a work item to a stage one approval at a time",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		results, err := a.engine.SyncToStage(ctx, item.ID, args[1], transitionActor, transitionReason)
		for _, res := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", res.Event.Kind, res.Event.FromStage, res.Event.ToStage)
		}
		if n := len(results); n > 0 {
			a.mirror(ctx, item.ExternalID, results[n-1].Item.Stage)
		}
		return err
	}),
}

var gateCheckCmd = &cobra.Command{
	Use:   "gate-check <work-item> [stage]",
	Short: "Check whether a stage's artifact preconditions hold",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		stage := ""
		if len(args) == 2 {
			stage = args[1]
		}
		if err := a.engine.GateCheck(ctx, item.ID, stage); err != nil {
			return err
		}
		if stage == "" {
			stage = item.Stage
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: preconditions hold\n", stage)
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status [work-item]",
	Short: "Show work items, or one work item in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			items, err := a.engine.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCARD\tSTAGE\tTITLE")
			for _, item := range items {
				stage := item.Stage
				if item.Archived {
					stage += " (archived)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.ExternalID, stage, item.Title)
			}
			return w.Flush()
		}
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := a.engine.Snapshot(ctx, item.ID)
		if err != nil {
			return err
		}
		decision := machine.Evaluate(a.def, snap)
		fmt.Fprint(out, render.Status(a.def, snap.Item, decision, snap.Registry))
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history <work-item>",
	Short: "Show the approval event log",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		events, err := a.engine.History(ctx, item.ID)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), render.History(events))
		return nil
	}),
}

var locksCmd = &cobra.Command{
	Use:   "locks <work-item>",
	Short: "Show the ratchet locks of a work item",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		locks, err := a.engine.Locks(ctx, item.ID)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), render.Locks(locks))
		return nil
	}),
}

var replayCmd = &cobra.Command{
	Use:   "replay <work-item>",
	Short: "Rebuild stage and locks from the event log and compare",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		report, err := a.engine.Replay(ctx, item.ID)
		if err != nil {
			return err
		}
		printReport(cmd, report)
		if !report.Consistent() {
			return fmt.Errorf("%d divergences; run 'ratchet recover %s'", len(report.Divergences), args[0])
		}
		return nil
	}),
}

var recoverCmd = &cobra.Command{
	Use:   "recover <work-item>",
	Short: "Repair stored stage and locks from the event log",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		report, err := a.engine.Recover(ctx, item.ID)
		if err != nil {
			return err
		}
		printReport(cmd, report)
		if !report.Consistent() {
			fmt.Fprintln(cmd.OutOrStdout(), "repaired")
		}
		return nil
	}),
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <work-item>",
	Short: "Fan out children from the approved plan",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		report, err := a.runner.FanOut(ctx, item.ID, spawnForce)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if report.Skipped {
			fmt.Fprintln(out, "fan-out already completed; use --force to run it again")
			return nil
		}
		fmt.Fprintf(out, "created %d, skipped %d, orphans replaced %d\n",
			report.Result.Created, report.Result.Skipped, len(report.Result.Orphans))
		for _, child := range report.Children {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", child.ID, child.AtomicID(), child.Workspace)
		}
		return nil
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export <work-item>",
	Short: "Export the work item manifest as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		item, err := a.engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := a.engine.ExportManifest(ctx, item.ID)
		if err != nil {
			return err
		}
		if exportPath == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(exportPath, data, 0o644)
	}),
}

func printReport(cmd *cobra.Command, report engine.ReplayReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "events %d, replayed stage %s, stored stage %s\n", report.Summary.Events, report.Stage, report.StoredStage)
	for _, d := range report.Divergences {
		fmt.Fprintf(out, "  %s\n", d)
	}
}

func (a *app) mirror(ctx context.Context, cardID, stage string) {
	if err := a.board.UpdateState(ctx, cardID, a.stages.Column(stage)); err != nil && !errors.Is(err, board.ErrCardNotFound) {
		fmt.Fprintf(os.Stderr, "warning: board not updated: %v\n", err)
	}
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
