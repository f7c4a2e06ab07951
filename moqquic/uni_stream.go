package moqquic

import (
	"errors"
	"fmt"
	"time"

	"github.com/okdaichi/moqquic/quic"
)

// uniStream is a unidirectional stream opened by the caller with
// OpenUniStream. Its bytes are drained by the loop like the send queue and
// written by a dedicated pump; the caller never waits on the network.
type uniStream struct {
	id       uint64
	queue    byteQueue
	inflight bool
	outbound chan []byte

	// finishing is set by StreamFinish. The loop closes outbound once the
	// queue is empty, and the pump then closes the QUIC stream.
	finishing bool
	finished  bool

	err error // set when the stream failed; the pump has exited
}

func newUniStream(id uint64, bufferSize int) *uniStream {
	return &uniStream{
		id:       id,
		queue:    newByteQueue(bufferSize),
		outbound: make(chan []byte, 1),
	}
}

func (s *uniStream) pending() bool {
	return s.err == nil && (s.queue.Len() > 0 || s.inflight || (s.finishing && !s.finished))
}

// errStreamNotFound reports an unknown or already finished stream id.
func errStreamNotFound(sid uint64) error {
	return fmt.Errorf("%w: stream %d", ErrNotFound, sid)
}

// openUniStream registers a new stream on c. Streams opened during the
// handshake start writing once it completes.
func (e *engine) openUniStream(c *connection) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return 0, ErrNotFound
	}
	switch c.status {
	case StatusConnecting, StatusEstablished:
	default:
		return 0, c.failureLocked()
	}
	if len(c.streams) >= e.config.maxUniStreams() {
		return 0, fmt.Errorf("%w: %d open streams", ErrResourceExhausted, len(c.streams))
	}

	c.lastStreamID++
	s := newUniStream(c.lastStreamID, e.config.sendBufferSize())
	c.streams[s.id] = s

	if c.status == StatusEstablished {
		e.startUniStreamPumpLocked(c, c.session, s)
	}

	c.logger.Debug("opened unidirectional stream", "stream", s.id)
	return s.id, nil
}

func (c *connection) streamWrite(sid uint64, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return 0, ErrNotFound
	}
	s, ok := c.streams[sid]
	if !ok || s.finishing {
		return 0, errStreamNotFound(sid)
	}
	if s.err != nil {
		return 0, s.err
	}

	switch c.status {
	case StatusConnecting, StatusEstablished:
	default:
		return 0, c.failureLocked()
	}

	n := s.queue.Write(data)
	if n > 0 {
		c.lastErr = nil
	}
	return n, nil
}

// streamFinish marks the stream finished. Queued bytes are still written
// before the stream's FIN.
func (c *connection) streamFinish(sid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return ErrNotFound
	}
	s, ok := c.streams[sid]
	if !ok || s.finishing {
		return errStreamNotFound(sid)
	}
	if s.err != nil {
		delete(c.streams, sid)
		return s.err
	}

	s.finishing = true
	return nil
}

func (e *engine) startUniStreamPumpLocked(c *connection, sess quic.Connection, s *uniStream) {
	c.pumps.Add(1)
	go e.uniStreamPump(c, sess, s)
}

// uniStreamPump opens the QUIC stream and writes the chunks handed over by
// the loop until outbound is closed.
func (e *engine) uniStreamPump(c *connection, sess quic.Connection, s *uniStream) {
	defer c.pumps.Done()

	str, err := sess.OpenUniStreamSync(c.ctx)
	if err != nil {
		e.uniStreamFailed(c, s, err)
		return
	}

	for {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case <-c.ctx.Done():
			str.CancelWrite(quic.StreamErrorCode(quic.NoError))
			return
		case chunk, ok = <-s.outbound:
		}

		if !ok {
			err := str.Close()

			c.mu.Lock()
			delete(c.streams, s.id)
			c.mu.Unlock()

			if err != nil {
				c.logger.Debug("failed to finish unidirectional stream", "stream", s.id, "error", err)
			}
			e.wakeup()
			return
		}

		_, err := str.Write(chunk)
		if err != nil {
			str.CancelWrite(quic.StreamErrorCode(quic.InternalError))
			e.uniStreamFailed(c, s, err)
			return
		}

		c.mu.Lock()
		s.inflight = false
		s.queue.Discard(len(chunk))
		c.bytesSent += uint64(len(chunk))
		c.lastActivity = time.Now()
		c.mu.Unlock()

		e.metrics.sent(len(chunk))
		e.wakeup()
	}
}

// uniStreamFailed records a write failure on s. Errors that are not
// confined to the stream are applied to the connection.
func (e *engine) uniStreamFailed(c *connection, s *uniStream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}

	connErr := &ConnectionError{
		ID:   c.id,
		Code: CodeConnectionFailed,
		Err:  fmt.Errorf("stream %d: %w", s.id, err),
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		connErr.Remote = streamErr.Remote
	} else {
		e.pumpErrorLocked(c, err)
	}

	s.err = connErr
	s.inflight = false
	s.queue.Reset()
	c.lastErr = connErr

	c.logger.Debug("unidirectional stream failed", "stream", s.id, "error", err)
}

// drainStreamsLocked hands the next chunk of every caller-opened stream to its pump.
func (e *engine) drainStreamsLocked(c *connection, now time.Time) {
	for _, s := range c.streams {
		if s.err != nil || s.inflight || s.finished {
			continue
		}

		if n := min(s.queue.Len(), e.config.maxChunkSize()); n > 0 {
			if !e.limiter.AllowN(now, n) {
				continue
			}
			select {
			case s.outbound <- s.queue.Peek(n):
				s.inflight = true
			default:
			}
			continue
		}

		if s.finishing {
			close(s.outbound)
			s.finished = true
		}
	}
}

// streamsPendingLocked reports whether any caller-opened stream still has
// bytes or a FIN to write.
func (c *connection) streamsPendingLocked() bool {
	for _, s := range c.streams {
		if s.pending() {
			return true
		}
	}
	return false
}
