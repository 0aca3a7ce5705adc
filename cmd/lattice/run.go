package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <definition>",
	Short: "Start a workflow run and drive it",
	Long: `Starts a run of the named definition and executes ready nodes until the run
completes, fails or suspends. Input is a JSON object (--input) and/or key=value pairs (--set).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		jsonInput, _ := cmd.Flags().GetString("input")
		pairs, _ := cmd.Flags().GetStringArray("set")
		input, err := cli.ParseInput(jsonInput, pairs)
		if err != nil {
			return err
		}
		runID, _ := cmd.Flags().GetString("run-id")
		noDrive, _ := cmd.Flags().GetBool("no-drive")

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		req := lattice.StartRequest{RunID: runID, TenantID: cfg.Tenant, DefinitionID: args[0], Input: input}
		var run *domain.WorkflowRun
		if noDrive {
			run, err = rt.Engine.Start(ctx, req)
		} else {
			run, err = rt.Engine.Run(ctx, req)
		}
		return report(cmd, run, err, ctx)
	},
}

// report prints the run and turns engine outcomes into the command's exit status.
func report(cmd *cobra.Command, run *domain.WorkflowRun, err error, ctx *cli.SignalContext) error {
	p := tui.NewPrinter(cmd.OutOrStdout())
	if run != nil {
		p.PrintRun(run)
	}
	if err != nil {
		if cli.IsInterrupted(err) && ctx.Signal() != nil {
			return fmt.Errorf("interrupted by %v; resume with 'lattice drive %s'", ctx.Signal(), runIDOf(run))
		}
		var stuck *domain.StuckWorkflowError
		if errors.As(err, &stuck) {
			return fmt.Errorf("workflow stuck, blocked nodes: %v", stuck.Blocked)
		}
		return err
	}
	if run != nil && run.Status == domain.RunFailed {
		return errors.New("run failed")
	}
	return nil
}

func runIDOf(run *domain.WorkflowRun) string {
	if run == nil {
		return "<run-id>"
	}
	return run.ID
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "Run input as a JSON object")
	runCmd.Flags().StringArray("set", nil, "Run input as key=value (repeatable)")
	runCmd.Flags().String("run-id", "", "Run ID (generated when empty)")
	runCmd.Flags().Bool("no-drive", false, "Only record the start; do not execute nodes")
}
