package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/lattice/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts the Lattice engine as an MCP Server.
This allows AI agents to start, drive and inspect workflow runs as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rt, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if cmd.Flags().Changed("transport") {
			cfg.MCP.Transport, _ = cmd.Flags().GetString("transport")
		}
		if cmd.Flags().Changed("port") {
			cfg.MCP.Port, _ = cmd.Flags().GetInt("port")
		}

		srv := mcp.NewServer(rt.Engine, mcp.WithLogger(logger.With("component", "mcp")))

		switch cfg.MCP.Transport {
		case "stdio":
			// Ensure logs don't corrupt JSON-RPC on Stdout
			log.SetOutput(os.Stderr)
			logger.Info("Starting Lattice MCP Server (Stdio)...")
			if err := srv.ServeStdio(); err != nil {
				return fmt.Errorf("MCP Server execution failed: %w", err)
			}
			return nil
		case "sse":
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.ServeSSE(ctx, cfg.MCP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("MCP Server execution failed: %w", err)
			}
			logger.Info("MCP Server stopped gracefully")
			return nil
		default:
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", cfg.MCP.Transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8081, "Port to listen on (only for SSE)")
}
