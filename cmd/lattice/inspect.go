package main

import (
	"fmt"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Print the event history of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		events, err := rt.Engine.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, events)
		}
		tui.NewPrinter(cmd.OutOrStdout()).PrintHistory(events)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Show the current snapshot of a run",
	Long: `Shows the snapshot of a run. --verify replays the ledger and checks the snapshot
against it; --since prints only what changed after the given version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := cmd.Context()
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			from, err := cli.ParseVersion(since)
			if err != nil {
				return err
			}
			diff, err := rt.Engine.Diff(ctx, args[0], from)
			if err != nil {
				return err
			}
			if diff == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes.")
				return nil
			}
			return writeJSON(cmd, diff)
		}

		run, err := rt.Engine.Snapshot(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			err = writeJSON(cmd, run)
		} else {
			tui.NewPrinter(cmd.OutOrStdout()).PrintRun(run)
		}
		if err != nil {
			return err
		}

		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			if err := rt.Engine.Verify(ctx, args[0]); err != nil {
				return fmt.Errorf("snapshot diverges from ledger: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Snapshot matches ledger ✅")
		}
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := codec.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func init() {
	rootCmd.AddCommand(historyCmd, inspectCmd)

	historyCmd.Flags().Bool("json", false, "Print events as JSON")
	inspectCmd.Flags().Bool("json", false, "Print the snapshot as JSON")
	inspectCmd.Flags().Bool("verify", false, "Check the snapshot against a ledger replay")
	inspectCmd.Flags().String("since", "", "Print the diff since this version")
}
