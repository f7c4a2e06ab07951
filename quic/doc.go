// Package quic is the QUIC abstraction layer used by the moqquic engine.
//
// The engine never talks to a QUIC implementation directly. It drives
// connections and streams through the interfaces declared here, which keeps
// the connection state machine testable with in-memory doubles and lets the
// same engine carry raw QUIC connections and WebTransport sessions.
//
// # Interfaces
//
//   - Connection: a QUIC connection (or WebTransport session) with stream and datagram support
//   - Stream: bidirectional stream
//   - SendStream: unidirectional stream for sending
//   - ReceiveStream: unidirectional stream for receiving
//   - Listener: accepts incoming connections
//
// # Implementations
//
// The quicgo subpackage wraps github.com/quic-go/quic-go. Client connections
// created by the engine share a single UDP socket through quicgo.Transport:
//
//	tr, err := quicgo.ListenTransport("udp", ":0")
//	if err != nil {
//	    return err
//	}
//	defer tr.Close()
//
//	conn, err := tr.Dial(ctx, "example.test:4433", tlsConfig, quicConfig)
//
// Errors returned by the wrappers are the quic-go error types re-exported
// from this package (IdleTimeoutError, ApplicationError, ...), so callers can
// classify them with errors.As without importing quic-go.
package quic
