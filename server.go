package rudp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Server accepts connections from any peer that starts a handshake on its
// UDP address.
type Server struct {
	*Host
}

// Listen binds a UDP socket to addr and returns a Server for it.
// Returns an error if the address cannot be resolved or bound, or if the
// options are invalid.
func Listen(addr string, opts ...Option) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}

	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	h, err := newHost(pc, true, opts)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	return &Server{Host: h}, nil
}

// Serve receives datagrams and runs connections until ctx is canceled,
// Close is called or the socket fails.
// When ctx is canceled the server keeps running for the configured shutdown
// timeout so that outstanding reliable packets can still be acknowledged.
// Close bypasses the remaining timeout. Serve then notifies every peer,
// stops all connections and closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if !s.start(context.WithoutCancel(ctx)) {
		return ErrClosed
	}
	s.logger.Info("server started", "addr", s.Addr())

	select {
	case <-ctx.Done():
		if s.opts.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)
			select {
			case <-time.After(s.opts.shutdownTimeout):
			case <-s.closing:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-s.ctx.Done():
			}
		}
	case <-s.closing:
	case <-s.ctx.Done():
	}

	if err := s.shutdown(); err != nil {
		return err
	}
	return ctx.Err()
}
