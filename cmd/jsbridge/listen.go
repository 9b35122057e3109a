package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/jsbridge/internal/config"
	"github.com/seantiz/jsbridge/internal/wire"
)

func newListenCommand(opts *rootOptions) *cobra.Command {
	var network, addr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve the framed socket protocol",
		Long: `Serve bridge operations over length-prefixed JSON frames on a unix
socket, a TCP address, or an AF_VSOCK port.`,
		Example: `  # Unix socket next to the host process
  jsbridge listen --network unix --addr /run/jsbridge.sock

  # Inside a microVM, reachable from the host over vsock
  jsbridge listen --network vsock --addr 1024`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if network != "" {
				cfg.WireNetwork = network
			}
			if addr != "" {
				cfg.WireAddr = addr
			}

			logger := config.NewLogger(cmd.OutOrStdout(), cfg.LogLevel)

			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close(logger)

			l, err := wire.Listen(cfg.WireNetwork, cfg.WireAddr)
			if err != nil {
				return err
			}

			return wire.NewServer(rt.registry, logger).Serve(cmd.Context(), l)
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "unix, tcp or vsock (overrides config)")
	cmd.Flags().StringVar(&addr, "addr", "", "socket path, host:port or vsock port (overrides config)")

	return cmd
}
