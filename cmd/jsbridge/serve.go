package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/jsbridge/internal/api"
	"github.com/seantiz/jsbridge/internal/config"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Example: `  # Serve on the configured address
  jsbridge serve

  # Serve without a journal on another port
  JSBRIDGE_JOURNAL=false jsbridge serve --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			logger := config.NewLogger(cmd.OutOrStdout(), cfg.LogLevel)
			logger.Info("jsbridge: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"journal", cfg.Journal,
				"engine", cfg.Engine,
				"capacity", cfg.Capacity,
			)

			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close(logger)

			srv := api.NewServer(cfg.ListenAddr, rt.registry, rt.engines, rt.store, logger)
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}
