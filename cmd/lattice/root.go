package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice is an event-sourced workflow execution engine",
	Long: `Lattice runs DAG workflows on top of an append-only event ledger.
Every state change is an event; snapshots are a cache of the replayed ledger.
Failed or cancelled runs are unwound by compensation handlers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	pf := rootCmd.PersistentFlags()
	pf.String("config", config.DefaultPath, "Path to the configuration file")
	pf.String("dir", "", "Directory containing workflow definitions (overrides config)")
	pf.String("tenant", "", "Tenant whose definitions are used (overrides config)")
	pf.String("store", "", "Storage backend: memory, file, badger or redis (overrides config)")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")
	pf.Bool("debug", false, "Log every engine event")
}

// loadConfig reads the configuration file and applies command line overrides.
// The default file is optional; an explicit --config must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags.Changed("config"))
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"dir":        &cfg.DefinitionsDir,
		"tenant":     &cfg.Tenant,
		"store":      &cfg.Store.Backend,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
	}
	for name, target := range overrides {
		if v, _ := flags.GetString(name); v != "" {
			*target = v
		}
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(level, logging.Format(cfg.Log.Format)), nil
}

// setup loads the configuration and builds the runtime every engine command shares.
func setup(cmd *cobra.Command) (*config.Config, *cli.Runtime, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	debug, _ := cmd.Flags().GetBool("debug")
	rt, err := cli.NewRuntime(cfg, logger, debug)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error initializing lattice: %w", err)
	}
	return cfg, rt, logger, nil
}
