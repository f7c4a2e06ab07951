// Package moqquic is a client-side QUIC transport for media delivery.
//
// A Transport owns one engine: a registry of connections and a single poll
// loop that drives their handshakes, moves bytes between per-connection
// buffers and the network, and enforces handshake timeouts and close grace
// periods. Callers address connections by opaque uint64 ids and never block
// on the network:
//
//	moqquic.Init()
//	defer moqquic.Cleanup()
//
//	id, err := moqquic.Connect("relay.example.test", 4433)
//	if err != nil {
//	    return err
//	}
//
//	for {
//	    ok, err := moqquic.IsConnected(id)
//	    if err != nil {
//	        return err
//	    }
//	    if ok {
//	        break
//	    }
//	    time.Sleep(10 * time.Millisecond)
//	}
//
//	n, err := moqquic.Send(id, payload) // n may be less than len(payload)
//
// # Connection lifecycle
//
// A connection starts Connecting, becomes Established when the handshake
// completes, and ends Closed or Failed. Bytes already received stay readable
// after the peer closes; once they are drained Recv reports the reason.
//
// # Errors
//
// Every error maps to an ErrorCode with CodeOf. Failures carry a
// *ConnectionError whose Code and Remote describe how the connection ended.
//
// # Multiplexing
//
// Config.Multiplexing selects how the byte stream travels: a single
// bidirectional stream (MultiplexStream) or one unidirectional stream per
// segment (MultiplexUniStreams), reassembled in order by the receiver.
// Datagrams are available alongside either mode when Config.EnableDatagrams
// is set.
package moqquic
