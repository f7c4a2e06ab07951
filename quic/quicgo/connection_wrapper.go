package quicgo

import (
	"context"
	"net"

	"github.com/okdaichi/moqquic/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

func wrapConnection(conn quicgo_quicgo.Connection) quic.Connection {
	if conn == nil {
		return nil
	}
	return &connWrapper{
		conn: conn,
	}
}

var _ quic.Connection = (*connWrapper)(nil)

type connWrapper struct {
	conn quicgo_quicgo.Connection
}

func (wrapper *connWrapper) AcceptStream(ctx context.Context) (quic.Stream, error) {
	stream, err := wrapper.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &rawQuicStream{stream: stream}, nil
}

func (wrapper *connWrapper) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	stream, err := wrapper.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &rawQuicReceiveStream{stream: stream}, nil
}

func (wrapper *connWrapper) CloseWithError(code quic.ApplicationErrorCode, msg string) error {
	return wrapper.conn.CloseWithError(code, msg)
}

func (wrapper *connWrapper) ConnectionState() quic.ConnectionState {
	return wrapper.conn.ConnectionState()
}

func (wrapper *connWrapper) Context() context.Context {
	return wrapper.conn.Context()
}

func (wrapper *connWrapper) LocalAddr() net.Addr {
	return wrapper.conn.LocalAddr()
}

func (wrapper *connWrapper) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	stream, err := wrapper.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &rawQuicStream{stream: stream}, nil
}

func (wrapper *connWrapper) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	stream, err := wrapper.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &rawQuicSendStream{stream: stream}, nil
}

func (wrapper *connWrapper) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return wrapper.conn.ReceiveDatagram(ctx)
}

func (wrapper *connWrapper) RemoteAddr() net.Addr {
	return wrapper.conn.RemoteAddr()
}

func (wrapper *connWrapper) SendDatagram(b []byte) error {
	return wrapper.conn.SendDatagram(b)
}

// Unwrap returns the underlying quic-go connection.
func (wrapper *connWrapper) Unwrap() quicgo_quicgo.Connection {
	return wrapper.conn
}
