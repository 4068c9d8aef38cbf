// hubrelay runs the chathub websocket relay on its own, for deployments that
// do not ship the full peer binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/petervdpas/chathub/hub"
	"github.com/petervdpas/chathub/internal/config"
	"github.com/petervdpas/chathub/internal/relay"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hubrelay",
		Short: "hubrelay - websocket relay for chathub peers",
		Long: `hubrelay forwards channel events between chathub peers that use the
ws transport. It keeps no history: a peer only sees events published while
it is joined to the channel.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		addr       string
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Example: `  # Listen on the default address
  hubrelay serve

  # Take the address from a peer config
  hubrelay serve --config ./peers/relay/chathub.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" && !cmd.Flags().Changed("addr") {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				addr = cfg.Relay.Addr
			}
			if err := hub.SetLogLevel(logLevel); err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", config.Default().Relay.Addr,
		"Listen address")
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Read the listen address from this chathub config")
	cmd.Flags().StringVar(&logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")

	return cmd
}

func runServe(parent context.Context, cmd *cobra.Command, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := relay.New(addr, relay.WithRegistry(prometheus.NewRegistry()))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "relay listening on ws://%s/socket\n", srv.Addr())

	<-ctx.Done()
	return nil
}
