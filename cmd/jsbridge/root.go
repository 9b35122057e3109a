package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/jsbridge/internal/bridge"
	"github.com/seantiz/jsbridge/internal/config"
	"github.com/seantiz/jsbridge/internal/script"
	"github.com/seantiz/jsbridge/internal/store"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "jsbridge",
		Short: "Sandboxed JavaScript contexts for host programs",
		Long: `jsbridge keeps a fixed-size table of isolated JavaScript contexts.
Hosts create a context, evaluate code in it, drain its pending jobs,
settle promises it is waiting on, and dispose it. Results come back as
JSON text; exceptions come back as {"error": "..."}.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (env vars still override)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newListenCommand(opts))
	rootCmd.AddCommand(newEvalCommand(opts))

	return rootCmd
}

// load reads the configuration from the config file, if any, and the
// environment.
func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		return config.Load(), nil
	}
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app is the registry plus the journal it writes to.
type app struct {
	engines  *script.Registry
	registry *bridge.Registry
	store    store.Store
}

// newApp opens the journal (when enabled) and builds the registry.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	rt := &app{engines: script.DefaultRegistry()}

	var journal bridge.Journal
	if cfg.Journal {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		rt.store = db
		journal = db
	}

	reg, err := bridge.New(bridge.Options{
		Capacity:      cfg.Capacity,
		Engine:        cfg.Engine,
		MaxErrorBytes: cfg.MaxErrorBytes,
	}, rt.engines, journal, logger)
	if err != nil {
		rt.closeStore(logger)
		return nil, fmt.Errorf("create registry: %w", err)
	}
	rt.registry = reg

	return rt, nil
}

// Close disposes every context, then closes the journal.
func (rt *app) Close(logger *slog.Logger) {
	if err := rt.registry.Close(); err != nil {
		logger.Error("close registry", "error", err)
	}
	rt.closeStore(logger)
}

func (rt *app) closeStore(logger *slog.Logger) {
	if rt.store == nil {
		return
	}
	if err := rt.store.Close(); err != nil {
		logger.Error("close database", "error", err)
	}
}
