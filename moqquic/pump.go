package moqquic

import (
	"errors"
	"time"

	"github.com/okdaichi/moqquic/internal/message"
	"github.com/okdaichi/moqquic/quic"
)

// startPumpsLocked starts the goroutines that perform blocking session I/O.
func (e *engine) startPumpsLocked(c *connection, sess quic.Connection, str quic.Stream) {
	c.pumps.Add(1)
	go e.writePump(c, sess, str)

	switch e.config.multiplexing() {
	case MultiplexUniStreams:
		c.pumps.Add(1)
		go e.acceptUniPump(c, sess)
	default:
		c.pumps.Add(1)
		go e.streamReadPump(c, str)
	}

	for _, s := range c.streams {
		e.startUniStreamPumpLocked(c, sess, s)
	}

	if e.config.enableDatagrams() && sess.ConnectionState().SupportsDatagrams {
		c.pumps.Add(1)
		go e.datagramPump(c, sess)
	}
}

// writePump writes chunks handed over by the loop. A chunk leaves the send
// queue only after the session accepted it.
func (e *engine) writePump(c *connection, sess quic.Connection, str quic.Stream) {
	defer c.pumps.Done()

	var seq uint64
	for {
		var chunk []byte
		select {
		case <-c.ctx.Done():
			return
		case chunk = <-c.outbound:
		}

		var err error
		switch e.config.multiplexing() {
		case MultiplexUniStreams:
			err = writeSegment(c, sess, message.SegmentMessage{Sequence: seq, Payload: chunk})
			seq++
		default:
			_, err = str.Write(chunk)
		}

		c.mu.Lock()
		c.inflight = false
		if err == nil {
			c.sendQueue.Discard(len(chunk))
			c.bytesSent += uint64(len(chunk))
			c.lastActivity = time.Now()
		} else {
			e.pumpErrorLocked(c, err)
		}
		c.mu.Unlock()

		if err == nil {
			e.metrics.sent(len(chunk))
		}
		e.wakeup()
	}
}

func writeSegment(c *connection, sess quic.Connection, seg message.SegmentMessage) error {
	str, err := sess.OpenUniStreamSync(c.ctx)
	if err != nil {
		return err
	}

	if err := seg.Encode(str); err != nil {
		str.CancelWrite(quic.StreamErrorCode(quic.InternalError))
		return err
	}

	return str.Close()
}

// streamReadPump reads the data stream and stages each chunk for the loop.
func (e *engine) streamReadPump(c *connection, str quic.Stream) {
	defer c.pumps.Done()

	buf := make([]byte, e.config.maxChunkSize())
	for {
		n, err := str.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !e.stage(c, chunk) {
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			e.pumpErrorLocked(c, err)
			c.mu.Unlock()
			e.wakeup()
			return
		}
	}
}

// stage hands p to the loop and waits until it was moved into the receive
// queue. It reports false once the connection is being torn down.
func (e *engine) stage(c *connection, p []byte) bool {
	c.mu.Lock()
	c.inbound = p
	c.mu.Unlock()
	e.wakeup()

	for {
		c.mu.Lock()
		done := len(c.inbound) == 0
		space := c.space
		c.mu.Unlock()

		if done {
			return true
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-space:
		}
	}
}

// acceptUniPump accepts the peer's segment streams.
func (e *engine) acceptUniPump(c *connection, sess quic.Connection) {
	defer c.pumps.Done()

	for {
		str, err := sess.AcceptUniStream(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.mu.Lock()
				e.pumpErrorLocked(c, err)
				c.mu.Unlock()
				e.wakeup()
			}
			return
		}

		c.pumps.Add(1)
		go e.segmentPump(c, str)
	}
}

// segmentPump reads one segment and hands it to the reassembler. While the
// reassembler holds a full receive buffer, only the awaited segment is admitted.
func (e *engine) segmentPump(c *connection, str quic.ReceiveStream) {
	defer c.pumps.Done()

	limit := e.config.recvBufferSize()

	var seg message.SegmentMessage
	if err := seg.Decode(str, limit); err != nil {
		str.CancelRead(quic.StreamErrorCode(quic.ProtocolViolation))
		c.logger.Debug("dropped malformed segment",
			"stream_id", str.StreamID(),
			"error", err,
		)
		return
	}

	for {
		c.mu.Lock()
		if c.reasm.Buffered() < limit || seg.Sequence <= c.reasm.Next() {
			if !c.reasm.Push(seg) {
				c.logger.Debug("dropped duplicate segment", "sequence", seg.Sequence)
			}
			c.mu.Unlock()
			e.wakeup()
			return
		}
		space := c.space
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			// The segment was read in full; keep it for delivery after the peer's close.
			c.mu.Lock()
			if !c.localClose {
				c.reasm.Push(seg)
			}
			c.mu.Unlock()
			e.wakeup()
			return
		case <-space:
		}
	}
}

// datagramPump queues inbound datagrams for RecvDatagram.
func (e *engine) datagramPump(c *connection, sess quic.Connection) {
	defer c.pumps.Done()

	for {
		b, err := sess.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		if !c.queueDatagram(b) {
			e.metrics.datagramDropped()
			c.logger.Debug("dropped datagram", "size", len(b))
		}
	}
}

// pumpErrorLocked applies a session I/O error unless the connection is
// already on its way out.
func (e *engine) pumpErrorLocked(c *connection, err error) {
	if c.teardownStarted || c.localClose || c.status != StatusEstablished {
		return
	}
	if errors.Is(err, errEngineShutdown) {
		return
	}
	e.sessionErrorLocked(c, err)
}
