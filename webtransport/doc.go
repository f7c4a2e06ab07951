// Package webtransport declares the WebTransport dialing hook used by the
// moqquic engine.
//
// A WebTransport session runs over HTTP/3 on top of QUIC. Once established it
// behaves like a quic.Connection (bidirectional and unidirectional streams,
// datagrams), so the engine drives it through the same interface as a raw
// QUIC connection. The webtransportgo subpackage implements the hook with
// github.com/quic-go/webtransport-go.
//
//	rsp, conn, err := webtransportgo.Dial(ctx, "https://example.test:4433/moq", http.Header{}, tlsConfig)
//
// For more information about WebTransport, see:
// https://www.w3.org/TR/webtransport/
package webtransport
