package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/rudp"
)

type pingFlags struct {
	addr       string
	count      int
	interval   time.Duration
	timeout    time.Duration
	unreliable bool
}

func pingCmd(g *globalFlags) *cobra.Command {
	f := &pingFlags{}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send numbered messages to an echo server and report round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.count <= 0 {
				return errors.Errorf("count must be positive, got %d", f.count)
			}
			if f.interval <= 0 {
				return errors.Errorf("interval must be positive, got %s", f.interval)
			}
			return runPing(cmd.Context(), g, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:7777", "server address")
	cmd.Flags().IntVar(&f.count, "count", 5, "number of messages to send")
	cmd.Flags().DurationVar(&f.interval, "interval", time.Second, "delay between messages")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "handshake timeout and wait for the last echoes")
	cmd.Flags().BoolVar(&f.unreliable, "unreliable", false, "send without retransmission")
	return cmd
}

// echoReply is a decoded echo of a ping message.
type echoReply struct {
	seq uint32
	rtt time.Duration
}

// encodePing writes a ping message: its number, the send time and a label.
func encodePing(seq uint32, now time.Time) (*rudp.Buffer, error) {
	b := rudp.NewBuffer(64)
	if err := b.WriteUint32(seq); err != nil {
		return nil, err
	}
	if err := b.WriteInt64(now.UnixNano()); err != nil {
		return nil, err
	}
	if err := b.WriteString(fmt.Sprintf("ping %d", seq)); err != nil {
		return nil, err
	}
	return b, nil
}

// decodeEcho parses an echoed ping message received at now.
func decodeEcho(payload *rudp.Buffer, now time.Time) (echoReply, error) {
	seq, err := payload.ReadUint32()
	if err != nil {
		return echoReply{}, err
	}
	sent, err := payload.ReadInt64()
	if err != nil {
		return echoReply{}, err
	}
	return echoReply{seq: seq, rtt: now.Sub(time.Unix(0, sent))}, nil
}

func runPing(ctx context.Context, g *globalFlags, f *pingFlags) error {
	logger := g.logger
	reg := prometheus.NewRegistry()

	connected := make(chan struct{}, 1)
	disconnected := make(chan rudp.Reason, 1)
	echoes := make(chan echoReply, f.count)

	client, err := rudp.NewClient(append(g.cfg.Options(),
		rudp.LoggerOption(logger),
		rudp.MetricsOption(reg),
		rudp.OnConnectOption(func(rudp.ConnID) {
			select {
			case connected <- struct{}{}:
			default:
			}
		}),
		rudp.OnDisconnectOption(func(_ rudp.ConnID, reason rudp.Reason) {
			select {
			case disconnected <- reason:
			default:
			}
		}),
		rudp.OnReceiveOption(func(id rudp.ConnID, payload *rudp.Buffer) {
			reply, err := decodeEcho(payload, time.Now())
			if err != nil {
				logger.Warn("bad echo", "conn_id", id, "error", err)
				return
			}
			select {
			case echoes <- reply:
			default:
			}
		}),
	)...)
	if err != nil {
		return errors.Wrap(err, "failed to create client")
	}
	defer client.Close()

	group, ctx := errgroup.WithContext(ctx)
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()

	if g.cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveAdmin(adminCtx, g.cfg.MetricsAddr, adminRouter(reg, client.Host), logger)
		})
	}

	group.Go(func() error {
		defer stopAdmin()

		stats, err := pingLoop(ctx, client, f, connected, disconnected, echoes)
		if stats != nil {
			fmt.Println(renderSummary(f.addr, stats))
		}
		return err
	})

	return group.Wait()
}

// pingLoop connects, sends f.count messages and collects their echoes.
func pingLoop(ctx context.Context, client *rudp.Client, f *pingFlags,
	connected <-chan struct{}, disconnected <-chan rudp.Reason, echoes <-chan echoReply) (*pingStats, error) {
	id, err := client.Connect(f.addr)
	if err != nil {
		return nil, err
	}

	select {
	case <-connected:
	case reason := <-disconnected:
		return nil, errors.Errorf("connection to %s refused: %s", f.addr, reason)
	case <-time.After(f.timeout):
		return nil, errors.Errorf("handshake with %s timed out after %s", f.addr, f.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	pterm.Success.Printfln("connected to %s", f.addr)

	send := client.SendReliable
	if f.unreliable {
		send = client.Send
	}

	stats := newPingStats(f.count)
	sendNext := func() error {
		seq := uint32(stats.sent)
		b, err := encodePing(seq, time.Now())
		if err != nil {
			return err
		}
		if err = send(id, b); err != nil {
			return errors.Wrapf(err, "send ping %d", seq)
		}
		stats.sent++
		return nil
	}

	if err = sendNext(); err != nil {
		return stats, err
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var drain <-chan time.Time
	for stats.received < f.count {
		select {
		case <-ticker.C:
			if stats.sent < f.count {
				if err = sendNext(); err != nil {
					return stats, err
				}
			} else if drain == nil {
				drain = time.After(f.timeout)
			}
		case reply := <-echoes:
			if stats.record(reply) {
				pterm.Info.Printfln("echo %d from %s: rtt=%s", reply.seq, f.addr, reply.rtt.Round(time.Microsecond))
			}
		case <-drain:
			return stats, client.Disconnect(id)
		case reason := <-disconnected:
			return stats, errors.Errorf("server closed the connection: %s", reason)
		case <-ctx.Done():
			return stats, nil
		}
	}

	return stats, client.Disconnect(id)
}
