package main

import (
	"fmt"

	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph <definition>",
	Short: "Export the workflow graph visualization",
	Long: `Outputs a Mermaid diagram (graph TD) of the definition's DAG.
With --run, node states of that run are overlaid on the diagram.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rt, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := cmd.Context()
		def, err := rt.Engine.Definition(ctx, cfg.Tenant, args[0])
		if err != nil {
			return err
		}

		var overlay *graph.GraphOverlay
		if runID, _ := cmd.Flags().GetString("run"); runID != "" {
			run, err := rt.Engine.Snapshot(ctx, runID)
			if err != nil {
				return err
			}
			overlay = graph.OverlayFromRun(run)
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(def, overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("run", "", "Overlay the state of this run")
}
