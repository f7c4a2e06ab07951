package moqquic

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/okdaichi/moqquic/internal/message"
	"github.com/okdaichi/moqquic/quic"
	"github.com/stretchr/testify/mock"
)

// mockPeer wires a MockQUICConnection and a MockQUICStream into a session
// that looks established. Bytes the engine writes are collected; bytes passed
// to deliver are returned from the stream.
type mockPeer struct {
	conn   *MockQUICConnection
	stream *MockQUICStream

	ctx    context.Context
	cancel context.CancelCauseFunc

	incoming  chan []byte
	datagrams chan []byte
	segments  chan quic.ReceiveStream
	// segmentsRead counts segment streams the engine read to the end.
	segmentsRead atomic.Int32

	mu      sync.Mutex
	written bytes.Buffer
	// uniStreams are the unidirectional streams the engine opened, in order.
	uniStreams []*peerUniStream
	// uniWriteErr, when set, fails every write on a unidirectional stream.
	uniWriteErr error
	// blockWrites, when non-nil, stalls every write until it is closed.
	blockWrites chan struct{}
}

func newMockPeer() *mockPeer {
	ctx, cancel := context.WithCancelCause(context.Background())

	p := &mockPeer{
		ctx:       ctx,
		cancel:    cancel,
		incoming:  make(chan []byte, 16),
		datagrams: make(chan []byte, 16),
		segments:  make(chan quic.ReceiveStream, 16),
	}

	p.stream = &MockQUICStream{
		ReadFunc: func(b []byte) (int, error) {
			select {
			case data := <-p.incoming:
				return copy(b, data), nil
			case <-ctx.Done():
				return 0, context.Cause(ctx)
			}
		},
		WriteFunc: func(b []byte) (int, error) {
			p.mu.Lock()
			block := p.blockWrites
			p.mu.Unlock()
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				return 0, context.Cause(ctx)
			}

			p.mu.Lock()
			defer p.mu.Unlock()
			return p.written.Write(b)
		},
	}

	p.conn = &MockQUICConnection{
		AcceptUniStreamFunc: func(actx context.Context) (quic.ReceiveStream, error) {
			select {
			case str := <-p.segments:
				return str, nil
			case <-actx.Done():
				return nil, actx.Err()
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		},
		OpenUniStreamSyncFunc: func(context.Context) (quic.SendStream, error) {
			if err := context.Cause(ctx); err != nil {
				return nil, err
			}

			p.mu.Lock()
			defer p.mu.Unlock()

			str := newPeerUniStream(p)
			p.uniStreams = append(p.uniStreams, str)
			return str, nil
		},
		ReceiveDatagramFunc: func(rctx context.Context) ([]byte, error) {
			select {
			case b := <-p.datagrams:
				return b, nil
			case <-rctx.Done():
				return nil, rctx.Err()
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		},
	}
	p.conn.On("OpenStreamSync", mock.Anything).Return(p.stream, nil)
	p.conn.On("Context").Return(ctx)
	p.conn.On("LocalAddr").Return(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000})
	p.conn.On("ConnectionState").Return(quic.ConnectionState{SupportsDatagrams: true})
	p.conn.On("SendDatagram", mock.Anything).Return(nil)
	p.conn.On("CloseWithError", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		cancel(&quic.ApplicationError{
			ErrorCode: args.Get(0).(quic.ApplicationErrorCode),
			Remote:    false,
		})
	}).Return(nil)

	return p
}

func (p *mockPeer) dial(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.Connection, error) {
	return p.conn, nil
}

func (p *mockPeer) deliver(b []byte) {
	p.incoming <- b
}

// deliverSegment opens a unidirectional stream carrying one segment.
func (p *mockPeer) deliverSegment(seq uint64, payload []byte) {
	var buf bytes.Buffer
	if err := (message.SegmentMessage{Sequence: seq, Payload: payload}).Encode(&buf); err != nil {
		panic(err)
	}

	r := bytes.NewReader(buf.Bytes())
	var once sync.Once
	p.segments <- &MockQUICStream{
		ReadFunc: func(b []byte) (int, error) {
			n, err := r.Read(b)
			if err == io.EOF {
				once.Do(func() { p.segmentsRead.Add(1) })
			}
			return n, err
		},
	}
}

// peerUniStream records what the engine wrote on one unidirectional stream.
type peerUniStream struct {
	*MockQUICStream

	data     bytes.Buffer
	finished bool
}

func newPeerUniStream(p *mockPeer) *peerUniStream {
	str := &peerUniStream{}
	str.MockQUICStream = &MockQUICStream{
		WriteFunc: func(b []byte) (int, error) {
			p.mu.Lock()
			defer p.mu.Unlock()

			if p.uniWriteErr != nil {
				return 0, p.uniWriteErr
			}
			return str.data.Write(b)
		},
	}
	str.On("Close").Run(func(mock.Arguments) {
		p.mu.Lock()
		str.finished = true
		p.mu.Unlock()
	}).Return(nil)
	str.On("CancelWrite", mock.Anything).Return()

	return str
}

// uniStream returns the bytes written on the i-th opened unidirectional
// stream and whether it was finished.
func (p *mockPeer) uniStream(i int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i >= len(p.uniStreams) {
		return "", false
	}
	str := p.uniStreams[i]
	return str.data.String(), str.finished
}

func (p *mockPeer) uniStreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.uniStreams)
}

func (p *mockPeer) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.written.String()
}

func (p *mockPeer) stallWrites() func() {
	ch := make(chan struct{})

	p.mu.Lock()
	p.blockWrites = ch
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		p.blockWrites = nil
		p.mu.Unlock()
		close(ch)
	}
}

// closeFromPeer ends the session as if the peer had closed it.
func (p *mockPeer) closeFromPeer() {
	p.cancel(&quic.ApplicationError{ErrorCode: 0, Remote: true})
}

// closedLocally reports whether the engine closed the session.
func (p *mockPeer) closedLocally() bool {
	var appErr *quic.ApplicationError
	cause := context.Cause(p.ctx)
	if cause == nil {
		return false
	}
	ok := errors.As(cause, &appErr)
	return ok && !appErr.Remote
}
