package quicgo

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/okdaichi/moqquic/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

var _ quic.ListenAddrFunc = ListenAddr

func ListenAddr(addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.Listener, error) {
	ln, err := quicgo_quicgo.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return wrapListener(ln), nil
}

var _ quic.Listener = (*listenerWrapper)(nil)

func wrapListener(quicListener *quicgo_quicgo.Listener) quic.Listener {
	return &listenerWrapper{
		listener: quicListener,
	}
}

type listenerWrapper struct {
	listener *quicgo_quicgo.Listener
}

func (wrapper *listenerWrapper) Accept(ctx context.Context) (quic.Connection, error) {
	conn, err := wrapper.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

func (wrapper *listenerWrapper) Addr() net.Addr {
	return wrapper.listener.Addr()
}

func (wrapper *listenerWrapper) Close() error {
	return wrapper.listener.Close()
}
