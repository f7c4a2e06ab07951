package moqquic

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/okdaichi/moqquic/quic"
	"github.com/okdaichi/moqquic/webtransport"
	"github.com/prometheus/client_golang/prometheus"
)

// Multiplexing selects how the ordered byte stream of a connection is mapped
// onto QUIC streams.
type Multiplexing int

const (
	// MultiplexStream carries all bytes on one bidirectional stream opened
	// by the client after the handshake.
	MultiplexStream Multiplexing = iota

	// MultiplexUniStreams writes every drained chunk on its own
	// unidirectional stream, prefixed with a sequence number, and
	// reassembles inbound unidirectional streams in sequence order.
	MultiplexUniStreams
)

func (m Multiplexing) String() string {
	switch m {
	case MultiplexStream:
		return "stream"
	case MultiplexUniStreams:
		return "uni"
	default:
		return "unknown"
	}
}

// DefaultNextProtos is the ALPN offered when Config.NextProtos is empty.
var DefaultNextProtos = []string{"moq-00"}

// Config contains configuration options for a Transport.
// A nil *Config is valid and yields the defaults.
type Config struct {
	// MaxConnections bounds the number of registered connections.
	// If zero, 1024 is used.
	MaxConnections int

	// SendBufferSize and RecvBufferSize bound the per-connection queues in bytes.
	// If zero, 64 KiB is used.
	SendBufferSize int
	RecvBufferSize int

	// HandshakeTimeout bounds the time a connection may stay in Connecting.
	// If zero, 5 seconds is used.
	HandshakeTimeout time.Duration

	// MaxIdleTimeout and KeepAlivePeriod are passed to the QUIC engine.
	// If zero, 10 seconds and 4 seconds are used.
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration

	// CloseGracePeriod bounds teardown after Close. Once it elapses the
	// connection is considered closed regardless of the peer.
	// If zero, 2 seconds is used.
	CloseGracePeriod time.Duration

	// PollInterval is the period of the engine loop when nothing wakes it.
	// If zero, 5 milliseconds is used.
	PollInterval time.Duration

	// MaxChunkSize bounds the bytes handed to a session in one write.
	// If zero, 16 KiB is used.
	MaxChunkSize int

	// MaxSendRate limits the bytes per second drained across all connections.
	// Zero means unlimited.
	MaxSendRate int

	// Multiplexing selects the stream mapping. The default is MultiplexStream.
	Multiplexing Multiplexing

	// EnableDatagrams negotiates QUIC datagram support.
	EnableDatagrams bool

	// MaxQueuedDatagrams bounds the inbound datagram queue of a connection.
	// If zero, 64 is used.
	MaxQueuedDatagrams int

	// MaxUniStreams bounds the unidirectional streams opened with
	// OpenUniStream that a connection holds at once. If zero, 100 is used.
	MaxUniStreams int

	// NextProtos is the ALPN list. If empty, DefaultNextProtos is used.
	NextProtos []string

	// InsecureSkipVerify disables server certificate verification.
	// Only use it against development servers.
	InsecureSkipVerify bool

	// TLSConfig, if set, is cloned and used instead of a generated client config.
	TLSConfig *tls.Config

	// QUICConfig, if set, is cloned and used instead of a generated config.
	QUICConfig *quic.Config

	// DialQUICFunc replaces the default dialer, which shares one UDP socket
	// between all connections.
	DialQUICFunc quic.DialAddrFunc

	// DialWebTransportFunc replaces the default WebTransport dialer.
	DialWebTransportFunc webtransport.DialAddrFunc

	// Logger receives engine and connection logs. If nil, logs are discarded.
	Logger *slog.Logger

	// Registerer, if set, receives the engine's metrics collectors.
	Registerer prometheus.Registerer
}

func (c *Config) maxConnections() int {
	if c != nil && c.MaxConnections > 0 {
		return c.MaxConnections
	}
	return 1024
}

func (c *Config) sendBufferSize() int {
	if c != nil && c.SendBufferSize > 0 {
		return c.SendBufferSize
	}
	return 64 * 1024
}

func (c *Config) recvBufferSize() int {
	if c != nil && c.RecvBufferSize > 0 {
		return c.RecvBufferSize
	}
	return 64 * 1024
}

func (c *Config) handshakeTimeout() time.Duration {
	if c != nil && c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 5 * time.Second
}

func (c *Config) maxIdleTimeout() time.Duration {
	if c != nil && c.MaxIdleTimeout > 0 {
		return c.MaxIdleTimeout
	}
	return 10 * time.Second
}

func (c *Config) keepAlivePeriod() time.Duration {
	if c != nil && c.KeepAlivePeriod > 0 {
		return c.KeepAlivePeriod
	}
	return 4 * time.Second
}

func (c *Config) closeGracePeriod() time.Duration {
	if c != nil && c.CloseGracePeriod > 0 {
		return c.CloseGracePeriod
	}
	return 2 * time.Second
}

func (c *Config) pollInterval() time.Duration {
	if c != nil && c.PollInterval > 0 {
		return c.PollInterval
	}
	return 5 * time.Millisecond
}

func (c *Config) maxChunkSize() int {
	if c != nil && c.MaxChunkSize > 0 {
		return c.MaxChunkSize
	}
	return 16 * 1024
}

func (c *Config) maxSendRate() int {
	if c != nil && c.MaxSendRate > 0 {
		return c.MaxSendRate
	}
	return 0
}

func (c *Config) multiplexing() Multiplexing {
	if c != nil {
		return c.Multiplexing
	}
	return MultiplexStream
}

func (c *Config) enableDatagrams() bool {
	return c != nil && c.EnableDatagrams
}

func (c *Config) maxQueuedDatagrams() int {
	if c != nil && c.MaxQueuedDatagrams > 0 {
		return c.MaxQueuedDatagrams
	}
	return 64
}

func (c *Config) maxUniStreams() int {
	if c != nil && c.MaxUniStreams > 0 {
		return c.MaxUniStreams
	}
	return 100
}

func (c *Config) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Config) registerer() prometheus.Registerer {
	if c != nil {
		return c.Registerer
	}
	return nil
}

// tlsConfig returns the client TLS configuration for serverName.
func (c *Config) tlsConfig(serverName string) *tls.Config {
	var conf *tls.Config
	if c != nil && c.TLSConfig != nil {
		conf = c.TLSConfig.Clone()
	} else {
		conf = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	if conf.ServerName == "" {
		conf.ServerName = serverName
	}
	if len(conf.NextProtos) == 0 {
		if c != nil && len(c.NextProtos) > 0 {
			conf.NextProtos = append([]string(nil), c.NextProtos...)
		} else {
			conf.NextProtos = append([]string(nil), DefaultNextProtos...)
		}
	}
	if c != nil && c.InsecureSkipVerify {
		conf.InsecureSkipVerify = true
	}

	return conf
}

// quicConfig returns the QUIC configuration for a new connection.
func (c *Config) quicConfig() *quic.Config {
	var conf *quic.Config
	if c != nil && c.QUICConfig != nil {
		conf = c.QUICConfig.Clone()
	} else {
		conf = &quic.Config{}
	}

	if conf.HandshakeIdleTimeout == 0 {
		conf.HandshakeIdleTimeout = c.handshakeTimeout()
	}
	if conf.MaxIdleTimeout == 0 {
		conf.MaxIdleTimeout = c.maxIdleTimeout()
	}
	if conf.KeepAlivePeriod == 0 {
		conf.KeepAlivePeriod = c.keepAlivePeriod()
	}
	if c.enableDatagrams() {
		conf.EnableDatagrams = true
	}

	return conf
}

// Clone creates a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	clone := *c
	if c.NextProtos != nil {
		clone.NextProtos = append([]string(nil), c.NextProtos...)
	}
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.QUICConfig != nil {
		clone.QUICConfig = c.QUICConfig.Clone()
	}

	return &clone
}
