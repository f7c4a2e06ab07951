package moqquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/okdaichi/moqquic/quic"
	"github.com/okdaichi/moqquic/quic/quicgo"
	"github.com/okdaichi/moqquic/webtransport"
	"github.com/okdaichi/moqquic/webtransport/webtransportgo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errEngineShutdown = errors.New("moqquic: engine shut down")

// engine owns the registry, the shared UDP socket and the poll loop that
// drives every connection.
//
// Blocking QUIC calls run on per-connection pumps. Moving bytes between the
// pumps and the connection queues, timeouts and state transitions all happen
// on the poll loop.
type engine struct {
	config  *Config
	logger  *slog.Logger
	reg     *registry
	metrics *metrics
	limiter *rate.Limiter

	transport *quicgo.Transport // nil when Config.DialQUICFunc is set
	dialQUIC  quic.DialAddrFunc
	dialWT    webtransport.DialAddrFunc

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	closing  atomic.Bool
	degraded atomic.Bool
}

func newEngine(config *Config, ids *idAllocator) (*engine, error) {
	e := &engine{
		config:   config,
		logger:   config.logger(),
		reg:      newRegistry(ids, config.maxConnections()),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}

	if config != nil && config.DialQUICFunc != nil {
		e.dialQUIC = config.DialQUICFunc
	} else {
		tr, err := quicgo.ListenTransport("udp", ":0")
		if err != nil {
			return nil, err
		}
		e.transport = tr
		e.dialQUIC = tr.Dial
	}

	if config != nil && config.DialWebTransportFunc != nil {
		e.dialWT = config.DialWebTransportFunc
	} else {
		e.dialWT = webtransportgo.Dial
	}

	if r := config.maxSendRate(); r > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(r), max(r, config.maxChunkSize()))
	} else {
		e.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	m, err := newMetrics(config.registerer())
	if err != nil {
		if e.transport != nil {
			_ = e.transport.Close()
		}
		return nil, err
	}
	e.metrics = m
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if e.transport != nil {
		e.logger = e.logger.With("local_address", e.transport.LocalAddr().String())
	}

	go e.run()

	e.logger.Info("engine started",
		"poll_interval", config.pollInterval(),
		"max_connections", config.maxConnections(),
		"multiplexing", config.multiplexing().String(),
	)

	return e, nil
}

// wakeup asks the loop to poll without waiting for the next tick.
func (e *engine) wakeup() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *engine) run() {
	defer close(e.loopDone)

	ticker := time.NewTicker(e.config.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}

		e.poll(time.Now())
	}
}

func (e *engine) poll(now time.Time) {
	for _, c := range e.reg.snapshot() {
		if e.step(c, now) {
			e.remove(c)
		}
	}
}

// step advances one connection and reports whether it should leave the registry.
// A panic fails the connection and puts the engine into degraded mode.
func (e *engine) step(c *connection, now time.Time) (remove bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		e.degraded.Store(true)
		e.logger.Error("panic while polling connection, engine degraded",
			"connection_id", c.id,
			"panic", r,
		)

		c.mu.Lock()
		c.failLocked(&ConnectionError{
			ID:   c.id,
			Code: CodeInternal,
			Err:  fmt.Errorf("moqquic: panic: %v", r),
		})
		e.teardownLocked(c)
		remove = c.localClose
		c.mu.Unlock()
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	return e.stepLocked(c, now)
}

func (e *engine) stepLocked(c *connection, now time.Time) bool {
	switch c.status {
	case StatusConnecting:
		if now.Sub(c.createdAt) >= e.config.handshakeTimeout() {
			c.failLocked(&ConnectionError{
				ID:   c.id,
				Code: CodeTimeout,
				Err:  context.DeadlineExceeded,
			})
			e.teardownLocked(c)
		}
		return false

	case StatusEstablished:
		e.moveInboundLocked(c, now)

		if err := context.Cause(c.session.Context()); err != nil {
			e.sessionErrorLocked(c, err)
			return false
		}

		e.drainLocked(c, now)
		e.drainStreamsLocked(c, now)
		return false

	case StatusClosing:
		e.moveInboundLocked(c, now)

		if !c.teardownStarted {
			// Flush what the caller already queued before closing the session.
			if c.localClose && c.session != nil && c.sendPendingLocked() &&
				now.Sub(c.closingAt) < e.config.closeGracePeriod()/2 {
				e.drainLocked(c, now)
				e.drainStreamsLocked(c, now)
				return false
			}
			e.teardownLocked(c)
		}

		select {
		case <-c.torndown:
			c.setStatusLocked(StatusClosed)
		default:
			if now.Sub(c.closingAt) >= e.config.closeGracePeriod() {
				c.logger.Warn("close grace period elapsed, forcing close")
				c.setStatusLocked(StatusClosed)
			}
		}

		return c.status == StatusClosed && c.localClose

	case StatusClosed:
		if !c.localClose {
			e.moveInboundLocked(c, now)
		}
		return c.localClose

	default:
		return c.localClose
	}
}

// sessionErrorLocked applies an error observed on the session.
func (e *engine) sessionErrorLocked(c *connection, err error) {
	status, connErr := classifyError(c.id, err)
	switch status {
	case StatusClosing:
		c.peerClosedLocked(connErr)
	default:
		c.failLocked(connErr)
	}
	e.teardownLocked(c)
}

// moveInboundLocked moves chunks staged by the read pumps into the receive
// queue, as far as it has room.
func (e *engine) moveInboundLocked(c *connection, now time.Time) {
	moved := 0
	popped := false

	for {
		if len(c.inbound) == 0 {
			c.inbound = nil
			if c.reasm == nil {
				break
			}
			p, ok := c.reasm.Pop()
			if !ok {
				break
			}
			c.inbound = p
			popped = true
			continue
		}

		n := c.recvQueue.Write(c.inbound)
		moved += n
		c.inbound = c.inbound[n:]
		if len(c.inbound) > 0 {
			break
		}
	}

	if moved > 0 {
		c.bytesReceived += uint64(moved)
		c.lastActivity = now
		e.metrics.received(moved)
	}
	if moved > 0 || popped {
		c.signalSpaceLocked()
	}
}

// drainLocked hands the next chunk of the send queue to the write pump.
func (e *engine) drainLocked(c *connection, now time.Time) {
	if c.inflight || c.session == nil {
		return
	}

	n := min(c.sendQueue.Len(), e.config.maxChunkSize())
	if n == 0 {
		return
	}
	if !e.limiter.AllowN(now, n) {
		return
	}

	select {
	case c.outbound <- c.sendQueue.Peek(n):
		c.inflight = true
	default:
	}
}

// teardownLocked closes the session in the background and closes c.torndown
// once every pump has exited.
func (e *engine) teardownLocked(c *connection) {
	if c.teardownStarted {
		return
	}
	c.teardownStarted = true

	sess := c.session
	go func() {
		if sess != nil {
			if err := sess.CloseWithError(quic.ApplicationErrorCode(quic.NoError), ""); err != nil {
				c.logger.Debug("failed to close session", "error", err)
			}
		}
		c.cancel(errEngineShutdown)
		c.pumps.Wait()
		close(c.torndown)
		e.wakeup()
	}()
}

func (e *engine) remove(c *connection) {
	if e.reg.remove(c.id) {
		e.metrics.connectionRemoved()
		c.logger.Debug("connection removed")
	}
	c.release()
}

func (e *engine) connect(ep endpoint) (*connection, error) {
	if e.closing.Load() {
		return nil, ErrEngineNotInitialized
	}
	if e.degraded.Load() {
		return nil, ErrResourceExhausted
	}

	c, err := e.reg.allocate(func(id uint64) *connection {
		c := newConnection(id, ep, e.config, e.logger, e.metrics)
		// Counted before the connection is visible to the loop and to Close.
		c.pumps.Add(1)
		return c
	})
	if err != nil {
		e.logger.Warn("connection rejected",
			"host", ep.host,
			"port", ep.port,
			"error", err,
		)
		return nil, err
	}
	e.metrics.connectionStarted()

	c.logger.Info("connecting")

	go e.handshake(c)

	return c, nil
}

func (e *engine) handshake(c *connection) {
	defer c.pumps.Done()

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, e.config.handshakeTimeout())
	defer cancel()

	sess, str, err := e.dial(ctx, c)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnecting {
		// Closed or timed out while dialing.
		if sess != nil {
			_ = sess.CloseWithError(quic.ApplicationErrorCode(quic.NoError), "")
		}
		return
	}

	if err != nil {
		if ctx.Err() != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		_, connErr := classifyError(c.id, err)
		c.failLocked(connErr)
		e.teardownLocked(c)
		e.metrics.handshakeFinished("failed", time.Since(start).Seconds())
		e.wakeup()
		return
	}

	c.session = sess
	c.stream = str
	c.setStatusLocked(StatusEstablished)
	c.lastActivity = time.Now()
	e.startPumpsLocked(c, sess, str)

	e.metrics.handshakeFinished("established", time.Since(start).Seconds())
	c.logger.Info("connection established",
		"local_address", sess.LocalAddr().String(),
		"alpn", sess.ConnectionState().TLS.NegotiatedProtocol,
		"handshake_duration", time.Since(start),
	)
	e.wakeup()
}

// dial establishes the session and, for MultiplexStream, opens the data stream.
func (e *engine) dial(ctx context.Context, c *connection) (quic.Connection, quic.Stream, error) {
	var (
		sess quic.Connection
		err  error
	)

	tlsConf := e.config.tlsConfig(c.host)
	if c.insecure {
		tlsConf.InsecureSkipVerify = true
	}

	switch c.kind {
	case kindWebTransport:
		url := "https://" + c.address() + c.path
		tlsConf.NextProtos = []string{nextProtoH3}
		_, sess, err = e.dialWT(ctx, url, http.Header{}, tlsConf)
	default:
		sess, err = e.dialQUIC(ctx, c.address(), tlsConf, e.config.quicConfig())
	}
	if err != nil {
		return nil, nil, err
	}

	if e.config.multiplexing() != MultiplexStream {
		return sess, nil, nil
	}

	str, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(quic.ApplicationErrorCode(quic.InternalError), "failed to open stream")
		return nil, nil, err
	}

	return sess, str, nil
}

const nextProtoH3 = "h3"

// shutdown closes every connection, waits for them to be released until ctx
// is done, then stops the loop and the shared socket.
func (e *engine) shutdown(ctx context.Context) error {
	e.closing.Store(true)

	conns := e.reg.snapshot()
	for _, c := range conns {
		e.requestClose(c)
	}

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			select {
			case <-c.released:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := g.Wait()

	e.cancel()
	<-e.loopDone

	for _, c := range e.reg.snapshot() {
		c.logger.Warn("connection not closed in time, releasing")
		c.mu.Lock()
		e.teardownLocked(c)
		c.mu.Unlock()
		e.remove(c)
	}

	if e.transport != nil {
		if cerr := e.transport.Close(); cerr != nil {
			e.logger.Debug("failed to close UDP socket", "error", cerr)
		}
	}
	e.metrics.unregister()

	e.logger.Info("engine stopped")

	return err
}

// requestClose starts a local close. It is idempotent.
func (e *engine) requestClose(c *connection) {
	c.mu.Lock()
	if c.localClose {
		c.mu.Unlock()
		return
	}
	c.localClose = true

	remove := false
	switch c.status {
	case StatusConnecting:
		c.setStatusLocked(StatusClosing)
		e.teardownLocked(c)
	case StatusEstablished:
		c.setStatusLocked(StatusClosing)
	case StatusClosing:
		// The peer already closed; the loop removes it once Closed.
	default:
		remove = true
	}
	c.logger.Info("closing connection", "status", c.status.String())
	c.mu.Unlock()

	if remove {
		e.remove(c)
	}
	e.wakeup()
}
