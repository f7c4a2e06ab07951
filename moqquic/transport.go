package moqquic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// Transport is the entry point for QUIC connections. Connections are
// addressed by opaque ids; every method is safe for concurrent use and, apart
// from Shutdown and Cleanup, never waits on the network.
//
// The zero value is ready to use once Init is called.
type Transport struct {
	// Config is read by Init. Changing it afterwards has no effect on the
	// running engine.
	Config *Config

	mu      sync.Mutex
	engine  atomic.Pointer[engine]
	initErr error

	ids idAllocator
}

// Init starts the engine. It is idempotent. A failure to start is reported
// by the next Connect.
func (t *Transport) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.engine.Load() != nil {
		return
	}

	e, err := newEngine(t.Config.Clone(), &t.ids)
	if err != nil {
		t.initErr = err
		t.Config.logger().Error("failed to start engine", "error", err)
		return
	}

	t.initErr = nil
	t.engine.Store(e)
}

func (t *Transport) running() (*engine, error) {
	if e := t.engine.Load(); e != nil {
		return e, nil
	}

	t.mu.Lock()
	err := t.initErr
	t.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineNotInitialized, err)
	}
	return nil, ErrEngineNotInitialized
}

func (t *Transport) lookup(id uint64) (*engine, *connection, error) {
	e, err := t.running()
	if err != nil {
		return nil, nil, err
	}

	c, err := e.reg.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	return e, c, nil
}

// ConnectOption customizes a single connection.
type ConnectOption func(*endpoint)

// WithInsecureSkipVerify disables server certificate verification for one
// connection. Only use it against development servers.
func WithInsecureSkipVerify() ConnectOption {
	return func(ep *endpoint) {
		ep.insecure = true
	}
}

// Connect registers a new QUIC connection to host:port and starts the
// handshake. It returns as soon as the connection is registered; use
// IsConnected to observe the handshake.
func (t *Transport) Connect(host string, port uint16, opts ...ConnectOption) (uint64, error) {
	host, err := validateAddress(host, port)
	if err != nil {
		return 0, err
	}

	e, err := t.running()
	if err != nil {
		return 0, err
	}

	ep := endpoint{host: host, port: port, kind: kindQUIC}
	for _, opt := range opts {
		opt(&ep)
	}

	c, err := e.connect(ep)
	if err != nil {
		return 0, err
	}

	return c.id, nil
}

// ConnectWebTransport is like Connect but establishes a WebTransport session
// at https://host:port/path. An empty path means "/".
func (t *Transport) ConnectWebTransport(host string, port uint16, path string, opts ...ConnectOption) (uint64, error) {
	host, err := validateAddress(host, port)
	if err != nil {
		return 0, err
	}

	switch {
	case path == "":
		path = "/"
	case !strings.HasPrefix(path, "/"):
		return 0, fmt.Errorf("%w: path %q must start with '/'", ErrInvalidArgument, path)
	}

	e, err := t.running()
	if err != nil {
		return 0, err
	}

	ep := endpoint{host: host, port: port, path: path, kind: kindWebTransport}
	for _, opt := range opts {
		opt(&ep)
	}

	c, err := e.connect(ep)
	if err != nil {
		return 0, err
	}

	return c.id, nil
}

func validateAddress(host string, port uint16) (string, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}
	if strings.IndexFunc(host, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", fmt.Errorf("%w: host %q", ErrInvalidArgument, host)
	}
	if port == 0 {
		return "", fmt.Errorf("%w: port 0", ErrInvalidArgument)
	}
	return host, nil
}

// Send queues as much of data as the send buffer has room for and returns
// the number of bytes accepted. A short count is backpressure, not an error.
// While the handshake is running Send accepts nothing and returns 0.
func (t *Transport) Send(id uint64, data []byte) (int, error) {
	e, c, err := t.lookup(id)
	if err != nil {
		return 0, err
	}

	n, err := c.send(data)
	if n > 0 {
		e.wakeup()
	}
	return n, err
}

// Recv returns up to capacity received bytes. It returns (nil, nil) when
// nothing is available.
func (t *Transport) Recv(id uint64, capacity int) ([]byte, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}

	e, c, err := t.lookup(id)
	if err != nil {
		return nil, err
	}

	p, err := c.recv(capacity)
	if len(p) > 0 {
		e.wakeup()
	}
	return p, err
}

// RecvInto is like Recv but reads into p.
func (t *Transport) RecvInto(id uint64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}

	e, c, err := t.lookup(id)
	if err != nil {
		return 0, err
	}

	n, err := c.recvInto(p)
	if n > 0 {
		e.wakeup()
	}
	return n, err
}

// IsConnected reports whether the connection is established.
// A connection that failed reports false without an error.
func (t *Transport) IsConnected(id uint64) (bool, error) {
	_, c, err := t.lookup(id)
	if err != nil {
		return false, err
	}
	return c.isConnected()
}

// Close requests the connection to close and returns without waiting.
// Closing an id that was already closed is a no-op.
func (t *Transport) Close(id uint64) error {
	e, err := t.running()
	if err != nil {
		return err
	}

	c, err := e.reg.lookup(id)
	if err != nil {
		if t.ids.issued(id) {
			return nil
		}
		return err
	}

	e.requestClose(c)
	return nil
}

// OpenUniStream opens a unidirectional stream on the connection and returns
// its id, which is only meaningful together with the connection id. Bytes
// written to the stream travel independently of Send, one QUIC stream per
// call. A stream opened during the handshake starts writing once it completes.
func (t *Transport) OpenUniStream(id uint64) (uint64, error) {
	e, c, err := t.lookup(id)
	if err != nil {
		return 0, err
	}

	sid, err := e.openUniStream(c)
	if err != nil {
		return 0, err
	}
	e.wakeup()
	return sid, nil
}

// StreamWrite queues as much of data on the stream as its buffer has room
// for and returns the number of bytes accepted, like Send.
func (t *Transport) StreamWrite(id, stream uint64, data []byte) (int, error) {
	e, c, err := t.lookup(id)
	if err != nil {
		return 0, err
	}

	n, err := c.streamWrite(stream, data)
	if n > 0 {
		e.wakeup()
	}
	return n, err
}

// StreamFinish ends the stream after its queued bytes are written. The
// stream id is released; further calls with it return ErrNotFound.
func (t *Transport) StreamFinish(id, stream uint64) error {
	e, c, err := t.lookup(id)
	if err != nil {
		return err
	}

	if err := c.streamFinish(stream); err != nil {
		return err
	}
	e.wakeup()
	return nil
}

// SendDatagram sends b as an unreliable datagram.
// The Transport must be configured with EnableDatagrams.
func (t *Transport) SendDatagram(id uint64, b []byte) error {
	e, c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if !e.config.enableDatagrams() {
		return fmt.Errorf("%w: datagrams are disabled", ErrInvalidArgument)
	}
	return c.sendDatagram(b)
}

// RecvDatagram returns the oldest queued datagram, or (nil, nil) if there is none.
func (t *Transport) RecvDatagram(id uint64) ([]byte, error) {
	_, c, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.recvDatagram()
}

// LastError returns the last failure observed on the connection.
// It is cleared by a successful Send or Recv.
func (t *Transport) LastError(id uint64) error {
	_, c, err := t.lookup(id)
	if err != nil {
		return err
	}
	return c.lastError()
}

// Stats returns a snapshot of the connection.
func (t *Transport) Stats(id uint64) (ConnectionStats, error) {
	_, c, err := t.lookup(id)
	if err != nil {
		return ConnectionStats{}, err
	}
	return c.stats()
}

// Shutdown closes every connection and stops the engine. It waits for the
// connections to close until ctx is done, then releases what is left and
// returns ctx's error. It is idempotent, and Init may be called again afterwards.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	e := t.engine.Swap(nil)
	t.mu.Unlock()

	if e == nil {
		return nil
	}

	return e.shutdown(ctx)
}

// Cleanup is Shutdown bounded by the close grace period.
func (t *Transport) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), t.Config.closeGracePeriod()+time.Second)
	defer cancel()

	if err := t.Shutdown(ctx); err != nil {
		t.Config.logger().Warn("cleanup did not finish in time", "error", err)
	}
}
