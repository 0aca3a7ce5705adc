package main

import (
	"fmt"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List known runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ids, err := rt.Engine.Runs(cmd.Context())
		if err != nil {
			return err
		}
		p := tui.NewPrinter(cmd.OutOrStdout())
		for _, id := range ids {
			run, err := rt.Engine.Snapshot(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(p.Writer(), "%s\t%s\t%s\tv%d\n", run.ID, run.DefinitionID, p.Status(string(run.Status)), run.Version)
		}
		return nil
	},
}

var driveCmd = &cobra.Command{
	Use:   "drive <run-id>",
	Short: "Execute ready nodes of an existing run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		run, err := rt.Engine.Drive(ctx, args[0])
		return report(cmd, run, err, ctx)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a suspended run",
	Long:  `Completes the node a suspended run waits on with the given payload, then drives the run.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		signal, _ := cmd.Flags().GetString("signal")
		jsonInput, _ := cmd.Flags().GetString("payload")
		pairs, _ := cmd.Flags().GetStringArray("set")
		payload, err := cli.ParseInput(jsonInput, pairs)
		if err != nil {
			return err
		}

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		run, err := rt.Engine.Resume(ctx, args[0], signal, payload)
		if err == nil {
			run, err = rt.Engine.Drive(ctx, args[0])
		}
		return report(cmd, run, err, ctx)
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal <run-id> <name>",
	Short: "Deliver an external signal to a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		jsonInput, _ := cmd.Flags().GetString("data")
		pairs, _ := cmd.Flags().GetStringArray("set")
		data, err := cli.ParseInput(jsonInput, pairs)
		if err != nil {
			return err
		}

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		run, err := rt.Engine.Signal(ctx, args[0], args[1], data)
		return report(cmd, run, err, ctx)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		reason, _ := cmd.Flags().GetString("reason")
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		run, err := rt.Engine.Cancel(ctx, args[0], reason)
		return report(cmd, run, err, ctx)
	},
}

var compensateCmd = &cobra.Command{
	Use:   "compensate <run-id>",
	Short: "Unwind the completed nodes of a failed or cancelled run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		run, result, err := rt.Engine.Compensate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		p := tui.NewPrinter(cmd.OutOrStdout())
		p.PrintRun(run)
		p.PrintCompensation(result)
		if !result.Success {
			return fmt.Errorf("compensation failed for %d node(s)", len(result.Failures))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd, driveCmd, resumeCmd, signalCmd, cancelCmd, compensateCmd)

	resumeCmd.Flags().String("signal", "resume", "Signal name recorded with the resumption")
	resumeCmd.Flags().String("payload", "", "Payload as a JSON object")
	resumeCmd.Flags().StringArray("set", nil, "Payload as key=value (repeatable)")

	signalCmd.Flags().String("data", "", "Signal data as a JSON object")
	signalCmd.Flags().StringArray("set", nil, "Signal data as key=value (repeatable)")

	cancelCmd.Flags().String("reason", "cancelled from cli", "Cancellation reason")
}
