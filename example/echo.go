package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Zereker/rudp"
)

// relay echoes every received payload back to its sender as a reliable
// packet and forwards it unreliably to every other connected peer.
type relay struct {
	server *rudp.Server

	sync.RWMutex
	peers map[rudp.ConnID]struct{}
}

func newRelay() *relay {
	return &relay{peers: make(map[rudp.ConnID]struct{})}
}

func (r *relay) options() []rudp.Option {
	return []rudp.Option{
		rudp.LoggerOption(slog.Default()),
		rudp.OnConnectOption(r.addPeer),
		rudp.OnDisconnectOption(func(id rudp.ConnID, reason rudp.Reason) {
			slog.Info("peer left", "connID", id, "reason", reason)
			r.deletePeer(id)
		}),
		rudp.OnReceiveOption(r.handle),
	}
}

func (r *relay) handle(id rudp.ConnID, payload *rudp.Buffer) {
	// Echo
	if err := r.server.ForwardReliable(id, payload); err != nil {
		slog.Error("echo failed", "connID", id, "error", err)
		return
	}

	for _, peer := range r.others(id) {
		if err := r.server.Forward(peer, payload); err != nil {
			slog.Warn("forward failed", "connID", peer, "error", err)
		}
	}
}

func (r *relay) addPeer(id rudp.ConnID) {
	r.Lock()
	defer r.Unlock()

	slog.Info("add new peer", "connID", id)
	r.peers[id] = struct{}{}
}

func (r *relay) deletePeer(id rudp.ConnID) {
	r.Lock()
	defer r.Unlock()

	delete(r.peers, id)
}

func (r *relay) others(id rudp.ConnID) []rudp.ConnID {
	r.RLock()
	defer r.RUnlock()

	ids := make([]rudp.ConnID, 0, len(r.peers))
	for peer := range r.peers {
		if peer != id {
			ids = append(ids, peer)
		}
	}
	return ids
}

func main() {
	r := newRelay()

	server, err := rudp.Listen("127.0.0.1:12345", r.options()...)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}
	r.server = server

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
