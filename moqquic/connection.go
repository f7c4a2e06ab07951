package moqquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/okdaichi/moqquic/internal/message"
	"github.com/okdaichi/moqquic/quic"
)

type transportKind int

const (
	kindQUIC transportKind = iota
	kindWebTransport
)

func (k transportKind) String() string {
	if k == kindWebTransport {
		return "webtransport"
	}
	return "quic"
}

// endpoint describes where and how a connection dials.
type endpoint struct {
	host     string
	port     uint16
	path     string // WebTransport only
	kind     transportKind
	insecure bool
}

var errConnectionReleased = errors.New("moqquic: connection released")

// connection is the engine's record of one QUIC connection.
// Callers never hold it; they address it by id through the registry.
//
// Lock order: c.mu may be taken while holding nothing else.
// The registry lock is never acquired while c.mu is held.
type connection struct {
	id uint64
	endpoint
	createdAt time.Time

	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu           sync.Mutex
	status       Status
	localClose   bool
	closingAt    time.Time
	failure      *ConnectionError // error surfaced once the connection stops carrying data
	lastErr      error
	lastActivity time.Time

	session quic.Connection
	stream  quic.Stream

	sendQueue byteQueue
	recvQueue byteQueue
	inflight  bool
	outbound  chan []byte

	// inbound is a chunk handed over by a read pump and not yet moved into recvQueue.
	inbound []byte
	reasm   *message.Reassembler
	// space is closed and replaced whenever inbound bytes are consumed.
	space chan struct{}

	// streams are the unidirectional streams opened with OpenUniStream.
	streams      map[uint64]*uniStream
	lastStreamID uint64

	datagrams          [][]byte
	maxQueuedDatagrams int

	bytesSent        uint64
	bytesReceived    uint64
	datagramsSent    uint64
	datagramsDropped uint64

	pumps           sync.WaitGroup
	teardownStarted bool
	torndown        chan struct{}

	released    chan struct{}
	releaseOnce sync.Once
}

func newConnection(id uint64, ep endpoint, config *Config, logger *slog.Logger, m *metrics) *connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := time.Now()

	c := &connection{
		id:                 id,
		endpoint:           ep,
		createdAt:          now,
		metrics:            m,
		ctx:                ctx,
		cancel:             cancel,
		status:             StatusConnecting,
		lastActivity:       now,
		sendQueue:          newByteQueue(config.sendBufferSize()),
		recvQueue:          newByteQueue(config.recvBufferSize()),
		outbound:           make(chan []byte, 1),
		space:              make(chan struct{}),
		streams:            make(map[uint64]*uniStream),
		maxQueuedDatagrams: config.maxQueuedDatagrams(),
		torndown:           make(chan struct{}),
		released:           make(chan struct{}),
	}
	if config.multiplexing() == MultiplexUniStreams {
		c.reasm = message.NewReassembler()
	}

	c.logger = logger.With(
		"connection_id", id,
		"remote_address", c.address(),
		"transport", ep.kind.String(),
	)

	return c
}

func (c *connection) address() string {
	return net.JoinHostPort(c.host, strconv.FormatUint(uint64(c.port), 10))
}

// setStatusLocked moves the connection along a valid edge of the state machine.
func (c *connection) setStatusLocked(to Status) bool {
	from := c.status
	if !from.canTransition(to) {
		c.logger.Debug("ignored status transition",
			"from", from.String(),
			"to", to.String(),
		)
		return false
	}
	c.status = to

	switch to {
	case StatusClosing:
		c.closingAt = time.Now()
	case StatusClosed:
		c.metrics.connectionClosed("closed")
	case StatusFailed:
		c.metrics.connectionClosed("failed")
	}

	c.logger.Debug("status changed",
		"from", from.String(),
		"to", to.String(),
	)
	return true
}

// failLocked records err and moves the connection to Failed.
func (c *connection) failLocked(err *ConnectionError) bool {
	if !c.setStatusLocked(StatusFailed) {
		return false
	}
	c.failure = err
	c.lastErr = err

	c.logger.Error("connection failed",
		"code", err.Code.String(),
		"remote", err.Remote,
		"error", err.Err,
	)
	return true
}

// peerClosedLocked records that the peer ended the connection.
func (c *connection) peerClosedLocked(err *ConnectionError) bool {
	if !c.setStatusLocked(StatusClosing) {
		return false
	}
	c.failure = err
	c.lastErr = err

	c.logger.Info("connection closed by peer", "error", err.Err)
	return true
}

// signalSpaceLocked wakes every pump waiting for inbound bytes to be consumed.
func (c *connection) signalSpaceLocked() {
	close(c.space)
	c.space = make(chan struct{})
}

func (c *connection) send(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return 0, ErrNotFound
	}

	switch c.status {
	case StatusConnecting:
		return 0, nil
	case StatusEstablished:
		n := c.sendQueue.Write(data)
		if n > 0 {
			c.lastErr = nil
		}
		return n, nil
	default:
		return 0, c.failureLocked()
	}
}

func (c *connection) recv(capacity int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.readableLocked()
	if n == 0 {
		return nil, err
	}

	p := make([]byte, min(n, capacity))
	c.readLocked(p)
	return p, nil
}

func (c *connection) recvInto(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.readableLocked()
	if n == 0 {
		return 0, err
	}

	return c.readLocked(p), nil
}

// readableLocked returns the number of bytes a receive may return now, or
// the error to report when there are none.
func (c *connection) readableLocked() (int, error) {
	if c.localClose {
		return 0, ErrNotFound
	}

	switch c.status {
	case StatusConnecting:
		return 0, nil
	case StatusEstablished:
		return c.recvQueue.Len(), nil
	case StatusClosing, StatusClosed:
		// Bytes received before the peer closed are still delivered.
		if n := c.recvQueue.Len(); n > 0 {
			return n, nil
		}
		if c.inboundPendingLocked() {
			return 0, nil
		}
		return 0, c.failureLocked()
	default:
		return 0, c.failureLocked()
	}
}

// sendPendingLocked reports whether queued bytes have not been written yet.
func (c *connection) sendPendingLocked() bool {
	return c.sendQueue.Len() > 0 || c.inflight || c.streamsPendingLocked()
}

// inboundPendingLocked reports whether bytes read off the wire are still
// waiting to be moved into the receive queue.
func (c *connection) inboundPendingLocked() bool {
	return len(c.inbound) > 0 || (c.reasm != nil && c.reasm.Ready())
}

func (c *connection) readLocked(p []byte) int {
	n := c.recvQueue.Read(p)
	if n > 0 {
		c.lastErr = nil
	}
	return n
}

func (c *connection) failureLocked() error {
	if c.failure != nil {
		return c.failure
	}
	return &ConnectionError{ID: c.id, Code: CodeConnectionFailed}
}

func (c *connection) isConnected() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return false, ErrNotFound
	}
	return c.status == StatusEstablished, nil
}

func (c *connection) sendDatagram(b []byte) error {
	c.mu.Lock()
	if c.localClose {
		c.mu.Unlock()
		return ErrNotFound
	}
	switch c.status {
	case StatusConnecting:
		// Datagrams are unreliable; one sent before the handshake is dropped.
		c.mu.Unlock()
		return nil
	case StatusEstablished:
	default:
		err := c.failureLocked()
		c.mu.Unlock()
		return err
	}
	sess := c.session
	c.mu.Unlock()

	if err := sess.SendDatagram(b); err != nil {
		err = fmt.Errorf("moqquic: send datagram: %w", err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.datagramsSent++
	c.mu.Unlock()
	return nil
}

func (c *connection) recvDatagram() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return nil, ErrNotFound
	}
	if len(c.datagrams) == 0 {
		if c.status == StatusFailed || c.status == StatusClosed {
			return nil, c.failureLocked()
		}
		return nil, nil
	}

	b := c.datagrams[0]
	c.datagrams[0] = nil
	c.datagrams = c.datagrams[1:]
	return b, nil
}

// queueDatagram stores an inbound datagram. It reports false if the datagram
// was dropped because the queue is full.
func (c *connection) queueDatagram(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusEstablished {
		return true
	}
	if len(c.datagrams) >= c.maxQueuedDatagrams {
		c.datagramsDropped++
		return false
	}
	c.datagrams = append(c.datagrams, b)
	return true
}

func (c *connection) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return ErrNotFound
	}
	return c.lastErr
}

// ConnectionStats is a point-in-time view of a connection.
type ConnectionStats struct {
	ID               uint64
	Status           Status
	RemoteAddress    string
	Transport        string
	BufferedSend     int
	BufferedRecv     int
	UniStreams       int
	BytesSent        uint64
	BytesReceived    uint64
	DatagramsSent    uint64
	DatagramsDropped uint64
	CreatedAt        time.Time
	LastActivity     time.Time
}

func (c *connection) stats() (ConnectionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return ConnectionStats{}, ErrNotFound
	}

	return ConnectionStats{
		ID:               c.id,
		Status:           c.status,
		RemoteAddress:    c.address(),
		Transport:        c.kind.String(),
		BufferedSend:     c.sendQueue.Len(),
		BufferedRecv:     c.recvQueue.Len(),
		UniStreams:       len(c.streams),
		BytesSent:        c.bytesSent,
		BytesReceived:    c.bytesReceived,
		DatagramsSent:    c.datagramsSent,
		DatagramsDropped: c.datagramsDropped,
		CreatedAt:        c.createdAt,
		LastActivity:     c.lastActivity,
	}, nil
}

// release frees the queues and session references. It runs once, when the
// connection leaves the registry.
func (c *connection) release() {
	c.releaseOnce.Do(func() {
		c.cancel(errConnectionReleased)

		c.mu.Lock()
		c.sendQueue.Reset()
		c.recvQueue.Reset()
		c.inbound = nil
		if c.reasm != nil {
			c.reasm.Reset()
		}
		c.datagrams = nil
		clear(c.streams)
		c.session = nil
		c.stream = nil
		c.mu.Unlock()

		close(c.released)
	})
}
