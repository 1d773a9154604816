package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/rudp"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long: `Run a server that accepts rudp connections and echoes every payload
back to its sender as a reliable packet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				g.cfg.ListenAddr = addr
			}
			return runServe(cmd, g)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "UDP listen address (default from config, :7777)")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalFlags) error {
	logger := g.logger
	reg := prometheus.NewRegistry()

	var server *rudp.Server
	opts := append(g.cfg.Options(),
		rudp.LoggerOption(logger),
		rudp.MetricsOption(reg),
		rudp.OnConnectOption(func(id rudp.ConnID) {
			logger.Info("peer connected", "conn_id", id)
		}),
		rudp.OnDisconnectOption(func(id rudp.ConnID, reason rudp.Reason) {
			logger.Info("peer disconnected", "conn_id", id, "reason", reason)
		}),
		rudp.OnReceiveOption(func(id rudp.ConnID, payload *rudp.Buffer) {
			logger.Debug("echo", "conn_id", id, "size", payload.Len())
			if err := server.ForwardReliable(id, payload); err != nil {
				logger.Warn("echo failed", "conn_id", id, "error", err)
			}
		}),
	)

	server, err := rudp.Listen(g.cfg.ListenAddr, opts...)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	group, ctx := errgroup.WithContext(cmd.Context())
	group.Go(func() error {
		return server.Serve(ctx)
	})

	if g.cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveAdmin(ctx, g.cfg.MetricsAddr, adminRouter(reg, server.Host), logger)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
