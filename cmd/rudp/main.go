// Command rudp runs an echo server or a ping client over the rudp protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Zereker/rudp/internal/config"
)

// globalFlags holds the persistent flags and the configuration derived
// from them.
type globalFlags struct {
	configPath  string
	debug       bool
	metricsAddr string

	cfg    *config.Config
	logger ptermLogger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rudp",
		Short: "Reliable messaging over UDP",
		Long: `rudp runs peers of a connection-oriented protocol on top of UDP.

A four message handshake establishes each connection. Packets are sent
either unreliably or reliably with retransmission and in-order delivery,
and idle connections are kept alive with pings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	rootCmd.AddCommand(
		serveCmd(g),
		pingCmd(g),
		versionCmd(),
	)

	return rootCmd
}

// load reads the config file and applies flag overrides.
func (g *globalFlags) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = g.debug
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = g.metricsAddr
	}

	g.cfg = cfg
	g.logger = newLogger(cfg.Debug)
	return nil
}

// Version information set at build time.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rudp %s\n", version)
		},
	}
}
