package echo

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/okdaichi/moqquic/internal/message"
	"github.com/okdaichi/moqquic/quic"
	"github.com/okdaichi/moqquic/quic/quicgo"
)

// ErrServerClosed is returned by Serve after Close or Shutdown.
var ErrServerClosed = errors.New("echo: server closed")

// DefaultMaxSegmentSize bounds the payload of a segment the server echoes.
const DefaultMaxSegmentSize = 1 << 20

// Server is a QUIC echo server. It writes every bidirectional stream back to
// itself, answers every segment stream with a segment stream carrying the
// same sequence number and payload, and returns every datagram.
type Server struct {
	// Addr is the UDP address to listen on, such as "127.0.0.1:4433".
	Addr string

	// TLSConfig must carry a certificate. See GenerateTLSConfig.
	TLSConfig *tls.Config

	QUICConfig *quic.Config

	// ListenFunc replaces quicgo.ListenAddr.
	ListenFunc quic.ListenAddrFunc

	// MaxSegmentSize bounds echoed segment payloads.
	// If zero, DefaultMaxSegmentSize is used.
	MaxSegmentSize int

	Logger *slog.Logger

	initOnce sync.Once

	mu       sync.Mutex
	listener quic.Listener
	conns    map[quic.Connection]struct{}
	ready    chan struct{}

	handlers   sync.WaitGroup
	inShutdown atomic.Bool
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.conns = make(map[quic.Connection]struct{})
		s.ready = make(chan struct{})
		if s.Logger == nil {
			s.Logger = slog.New(slog.DiscardHandler)
		}
	})
}

func (s *Server) maxSegmentSize() int {
	if s.MaxSegmentSize > 0 {
		return s.MaxSegmentSize
	}
	return DefaultMaxSegmentSize
}

// ListenAndServe listens on s.Addr and serves until Close or Shutdown.
func (s *Server) ListenAndServe() error {
	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	s.init()

	listen := s.ListenFunc
	if listen == nil {
		listen = quicgo.ListenAddr
	}

	ln, err := listen(s.Addr, s.TLSConfig, s.QUICConfig)
	if err != nil {
		s.Logger.Error("failed to listen", "address", s.Addr, "error", err)
		return err
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln. It takes ownership of ln.
func (s *Server) Serve(ln quic.Listener) error {
	if s.inShutdown.Load() {
		ln.Close()
		return ErrServerClosed
	}
	s.init()

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("echo: server already serving")
	}
	s.listener = ln
	close(s.ready)
	s.mu.Unlock()

	logger := s.Logger.With("address", ln.Addr().String())
	logger.Info("echo server listening")

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			logger.Error("failed to accept connection", "error", err)
			return err
		}

		if !s.track(conn) {
			_ = conn.CloseWithError(quic.ApplicationErrorCode(quic.ConnectionRefused), "server closed")
			continue
		}

		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// ListenAddr waits until the server is listening and returns the bound address.
func (s *Server) ListenAddr(ctx context.Context) (net.Addr, error) {
	s.init()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listener.Addr(), nil
}

func (s *Server) track(conn quic.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn quic.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) handle(conn quic.Connection) {
	logger := s.Logger.With("remote_address", conn.RemoteAddr().String())
	logger.Debug("accepted connection",
		"alpn", conn.ConnectionState().TLS.NegotiatedProtocol,
	)

	ctx := conn.Context()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.serveStreams(ctx, conn, logger)
	}()
	go func() {
		defer wg.Done()
		s.serveSegments(ctx, conn, logger)
	}()
	if conn.ConnectionState().SupportsDatagrams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveDatagrams(ctx, conn, logger)
		}()
	}
	wg.Wait()

	logger.Debug("connection ended", "cause", context.Cause(ctx))
}

func (s *Server) serveStreams(ctx context.Context, conn quic.Connection, logger *slog.Logger) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go func() {
			n, err := io.Copy(str, str)
			if err != nil {
				logger.Debug("stream echo ended", "stream_id", str.StreamID(), "bytes", n, "error", err)
				return
			}
			str.Close()
		}()
	}
}

func (s *Server) serveSegments(ctx context.Context, conn quic.Connection, logger *slog.Logger) {
	for {
		rs, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}

		go func() {
			var seg message.SegmentMessage
			if err := seg.Decode(rs, s.maxSegmentSize()); err != nil {
				rs.CancelRead(quic.StreamErrorCode(quic.ProtocolViolation))
				logger.Debug("dropped malformed segment", "stream_id", rs.StreamID(), "error", err)
				return
			}

			ss, err := conn.OpenUniStreamSync(ctx)
			if err != nil {
				return
			}
			if err := seg.Encode(ss); err != nil {
				ss.CancelWrite(quic.StreamErrorCode(quic.InternalError))
				return
			}
			ss.Close()
		}()
	}
}

func (s *Server) serveDatagrams(ctx context.Context, conn quic.Connection, logger *slog.Logger) {
	for {
		b, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if err := conn.SendDatagram(b); err != nil {
			logger.Debug("failed to echo datagram", "error", err)
		}
	}
}

// Close closes every connection and the listener immediately.
func (s *Server) Close() error {
	s.init()

	s.mu.Lock()
	s.inShutdown.Store(true)
	ln := s.listener
	conns := make([]quic.Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	// Connections first, so that peers receive a CONNECTION_CLOSE before
	// the socket goes away with the listener.
	for _, conn := range conns {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(quic.NoError), "server closed")
	}

	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Shutdown stops accepting connections and waits for the open ones to end
// until ctx is done, then closes the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()

	s.mu.Lock()
	s.inShutdown.Store(true)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return s.Close()
	case <-ctx.Done():
		s.Close()
		<-done
		return ctx.Err()
	}
}
