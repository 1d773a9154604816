package rudp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidOnReceive is returned when no receive callback is provided.
var ErrInvalidOnReceive = errors.New("invalid on receive callback")

// Default protocol timings.
const (
	defaultRetryInterval = time.Second
	defaultMaxRetries    = 10
	defaultGapTimeout    = 2 * time.Second
	defaultKeepalive     = 10 * time.Second
)

// options holds the configuration shared by a host and its connections.
type options struct {
	logger    Logger
	registry  prometheus.Registerer
	clock     Clock
	challenge ChallengeFunc

	onConnect    func(id ConnID)
	onReceive    func(id ConnID, payload *Buffer)
	onDisconnect func(id ConnID, reason Reason)

	bufferSize    int           // capacity of every packet buffer
	retryInterval time.Duration // delay between reliable retransmissions
	maxRetries    int           // retransmissions before a reliable packet is dropped
	gapTimeout    time.Duration // wait for a missing reliable packet
	keepalive     time.Duration // quiet time before a PING

	shutdownTimeout time.Duration // server drain time after its context ends
}

// Option is a function that configures a Server or Client.
type Option func(*options)

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) error {
	if opts.onReceive == nil {
		return ErrInvalidOnReceive
	}

	if opts.onConnect == nil {
		opts.onConnect = func(ConnID) {}
	}

	if opts.onDisconnect == nil {
		opts.onDisconnect = func(ConnID, Reason) {}
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = DefaultBufferSize
	}

	if opts.retryInterval <= 0 {
		opts.retryInterval = defaultRetryInterval
	}

	if opts.maxRetries <= 0 {
		opts.maxRetries = defaultMaxRetries
	}

	if opts.gapTimeout <= 0 {
		opts.gapTimeout = defaultGapTimeout
	}

	if opts.keepalive <= 0 {
		opts.keepalive = defaultKeepalive
	}

	if opts.clock == nil {
		opts.clock = systemClock{}
	}

	if opts.challenge == nil {
		opts.challenge = randomChallenge
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// OnConnectOption sets the callback invoked when a handshake completes.
func OnConnectOption(cb func(id ConnID)) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnReceiveOption sets the callback invoked for every delivered payload.
// The buffer cursor is at the first payload byte and Len is the payload
// size. This callback is required.
func OnReceiveOption(cb func(id ConnID, payload *Buffer)) Option {
	return func(o *options) {
		o.onReceive = cb
	}
}

// OnDisconnectOption sets the callback invoked when a peer disconnects or
// a handshake is aborted.
func OnDisconnectOption(cb func(id ConnID, reason Reason)) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// BufferSizeOption sets the packet buffer capacity. Payloads must fit in it
// together with their header.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// RetryOption sets the interval between retransmissions of an unacknowledged
// reliable packet and how many retransmissions are attempted.
func RetryOption(interval time.Duration, attempts int) Option {
	return func(o *options) {
		o.retryInterval = interval
		o.maxRetries = attempts
	}
}

// GapTimeoutOption sets how long a receiver waits for a missing reliable
// packet before skipping it.
func GapTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.gapTimeout = timeout
	}
}

// KeepaliveOption sets the quiet interval after which a PING is sent.
func KeepaliveOption(interval time.Duration) Option {
	return func(o *options) {
		o.keepalive = interval
	}
}

// ShutdownTimeoutOption sets the graceful shutdown timeout of a Server.
// When the context passed to Serve is canceled, the server keeps running
// connections for up to this duration before notifying peers and closing
// the socket. Default is 0 (immediate shutdown).
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// ClockOption sets the timer source. Tests use it to control time.
func ClockOption(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// ChallengeOption sets the source of handshake challenges.
func ChallengeOption(fn ChallengeFunc) Option {
	return func(o *options) {
		o.challenge = fn
	}
}

// MetricsOption registers the host's Prometheus collectors with reg.
// Each host needs its own registerer.
func MetricsOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
