package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/okdaichi/moqquic/quic"
	quicgo_quicgo "github.com/quic-go/quic-go"
)

var _ quic.DialAddrFunc = DialAddr

// DialAddr dials addr on a fresh UDP socket owned by the returned connection.
func DialAddr(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.Connection, error) {
	conn, err := quicgo_quicgo.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

// ErrTransportClosed is returned by Transport.Dial after Close.
var ErrTransportClosed = errors.New("quicgo: transport closed")

// Transport multiplexes any number of client connections over one UDP socket.
type Transport struct {
	mu     sync.Mutex
	tr     *quicgo_quicgo.Transport
	pconn  net.PacketConn
	closed bool
}

// ListenTransport binds a UDP socket on addr and wraps it in a Transport.
func ListenTransport(network, addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("quicgo: resolve %s: %w", addr, err)
	}
	pconn, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quicgo: listen %s: %w", addr, err)
	}
	return NewTransport(pconn), nil
}

// NewTransport wraps pconn. The Transport takes ownership of pconn.
func NewTransport(pconn net.PacketConn) *Transport {
	return &Transport{
		tr:    &quicgo_quicgo.Transport{Conn: pconn},
		pconn: pconn,
	}
}

var _ quic.DialAddrFunc = (*Transport)(nil).Dial

// Dial resolves addr and establishes a QUIC connection on the shared socket.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.Connection, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	tr := t.tr
	t.mu.Unlock()

	var resolver net.Resolver
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("quicgo: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("quicgo: no address for %s", host)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0].IP.String(), port))
	if err != nil {
		return nil, err
	}

	conn, err := tr.Dial(ctx, udpAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

// LocalAddr returns the address of the shared socket.
func (t *Transport) LocalAddr() net.Addr {
	return t.pconn.LocalAddr()
}

// Close closes every connection dialed on the transport and the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	err := t.tr.Close()
	if cerr := t.pconn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
