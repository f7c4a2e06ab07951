package moqquic

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/okdaichi/moqquic/internal/echo"
	"github.com/okdaichi/moqquic/internal/message"
	"github.com/okdaichi/moqquic/quic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs an in-process echo server on a loopback port and
// returns its port and a client TLS configuration trusting it.
func startEchoServer(t *testing.T, quicConf *quic.Config) (uint16, *tls.Config, *echo.Server) {
	t.Helper()

	serverTLS, err := echo.GenerateTLSConfig(nil, DefaultNextProtos)
	require.NoError(t, err)

	s := &echo.Server{
		Addr:       "127.0.0.1:0",
		TLSConfig:  serverTLS,
		QUICConfig: quicConf,
	}
	go s.ListenAndServe()
	t.Cleanup(func() {
		s.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	addr, err := s.ListenAddr(ctx)
	require.NoError(t, err)

	return uint16(addr.(*net.UDPAddr).Port), &tls.Config{RootCAs: echo.CertPool(serverTLS)}, s
}

func waitEstablished(t *testing.T, tr *Transport, id uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		ok, err := tr.IsConnected(id)
		return err == nil && ok
	}, waitFor, tick)
}

// sendAll retries Send until every byte is accepted.
func sendAll(tr *Transport, id uint64, data []byte) error {
	deadline := time.Now().Add(waitFor)
	for len(data) > 0 {
		n, err := tr.Send(id, data)
		if err != nil {
			return err
		}
		data = data[n:]
		if n == 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("send stalled with %d bytes left", len(data))
			}
			time.Sleep(tick)
		}
	}
	return nil
}

// recvN polls Recv until n bytes have arrived.
func recvN(t *testing.T, tr *Transport, id uint64, n int) []byte {
	t.Helper()

	var got []byte
	deadline := time.Now().Add(waitFor)
	for len(got) < n {
		p, err := tr.Recv(id, n-len(got))
		require.NoError(t, err)
		got = append(got, p...)
		if len(p) == 0 {
			require.True(t, time.Now().Before(deadline), "received %d of %d bytes", len(got), n)
			time.Sleep(tick)
		}
	}
	return got
}

func TestIntegration_HelloRoundTrip(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{TLSConfig: tlsConf})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)

	ok, err := tr.IsConnected(id)
	require.NoError(t, err)
	assert.False(t, ok, "the handshake has not completed when Connect returns")

	waitEstablished(t, tr, id)

	n, err := tr.Send(id, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, "hello", string(recvN(t, tr, id, 5)))

	require.NoError(t, tr.Close(id))
	_, err = tr.Send(id, []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegration_OrderedLargeTransfer(t *testing.T) {
	tests := map[string]Multiplexing{
		"single stream":         MultiplexStream,
		"unidirectional streams": MultiplexUniStreams,
	}

	for name, mode := range tests {
		t.Run(name, func(t *testing.T) {
			port, tlsConf, _ := startEchoServer(t, nil)
			tr := newTestTransport(t, &Config{
				TLSConfig:      tlsConf,
				Multiplexing:   mode,
				MaxChunkSize:   1024,
				SendBufferSize: 8 * 1024,
				RecvBufferSize: 8 * 1024,
			})

			id, err := tr.Connect("127.0.0.1", port)
			require.NoError(t, err)
			waitEstablished(t, tr, id)

			payload := make([]byte, 128*1024)
			_, err = rand.Read(payload)
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				assert.NoError(t, sendAll(tr, id, payload))
			}()

			got := recvN(t, tr, id, len(payload))
			<-done

			assert.True(t, bytes.Equal(payload, got), "bytes arrive in the order they were sent")
		})
	}
}

func TestIntegration_ConnectionsAreIsolated(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{TLSConfig: tlsConf})

	a, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	b, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	waitEstablished(t, tr, a)
	waitEstablished(t, tr, b)

	require.NoError(t, sendAll(tr, a, []byte("from a")))
	require.NoError(t, sendAll(tr, b, []byte("from b")))

	assert.Equal(t, "from a", string(recvN(t, tr, a, 6)))
	assert.Equal(t, "from b", string(recvN(t, tr, b, 6)))

	require.NoError(t, tr.Close(a))

	require.NoError(t, sendAll(tr, b, []byte("still here")))
	assert.Equal(t, "still here", string(recvN(t, tr, b, 10)))
}

// recvAll is like recvN but reports failures as an error, for use off the test goroutine.
func recvAll(tr *Transport, id uint64, n int) ([]byte, error) {
	got := make([]byte, 0, n)
	deadline := time.Now().Add(waitFor)
	for len(got) < n {
		p, err := tr.Recv(id, n-len(got))
		if err != nil {
			return got, err
		}
		got = append(got, p...)
		if len(p) == 0 {
			if time.Now().After(deadline) {
				return got, fmt.Errorf("received %d of %d bytes", len(got), n)
			}
			time.Sleep(tick)
		}
	}
	return got, nil
}

func TestIntegration_ConcurrentSendsAreIsolated(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{
		TLSConfig:      tlsConf,
		MaxChunkSize:   1024,
		SendBufferSize: 4 * 1024,
		RecvBufferSize: 4 * 1024,
	})

	payloads := map[uint64][]byte{}
	for _, fill := range []byte{'a', 'b'} {
		id, err := tr.Connect("127.0.0.1", port)
		require.NoError(t, err)
		payloads[id] = bytes.Repeat([]byte{fill}, 64*1024)
	}
	for id := range payloads {
		waitEstablished(t, tr, id)
	}

	var wg sync.WaitGroup
	for id, payload := range payloads {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, sendAll(tr, id, payload))
		}()
		go func() {
			defer wg.Done()
			got, err := recvAll(tr, id, len(payload))
			if assert.NoError(t, err) {
				assert.True(t, bytes.Equal(payload, got), "connection %d received bytes of another connection", id)
			}
		}()
	}
	wg.Wait()
}

func TestIntegration_CallerUniStream(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{
		TLSConfig:    tlsConf,
		Multiplexing: MultiplexUniStreams,
	})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	waitEstablished(t, tr, id)

	// The echo server answers every unidirectional stream carrying a segment,
	// so a caller stream holding segment 0 comes back as received bytes.
	var buf bytes.Buffer
	require.NoError(t, message.SegmentMessage{Sequence: 0, Payload: []byte("on its own stream")}.Encode(&buf))

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)

	data := buf.Bytes()
	for len(data) > 0 {
		n, err := tr.StreamWrite(id, sid, data)
		require.NoError(t, err)
		data = data[n:]
	}
	require.NoError(t, tr.StreamFinish(id, sid))

	assert.Equal(t, "on its own stream", string(recvN(t, tr, id, len("on its own stream"))))
}

func TestIntegration_CleanupWithOpenConnections(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := &Transport{Config: &Config{TLSConfig: tlsConf}}
	tr.Init()

	a, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	b, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	waitEstablished(t, tr, a)
	waitEstablished(t, tr, b)

	tr.Cleanup()
	tr.Cleanup()

	for _, id := range []uint64{a, b} {
		_, err := tr.IsConnected(id)
		assert.ErrorIs(t, err, ErrEngineNotInitialized)
	}
}

func TestIntegration_PeerClosesConnection(t *testing.T) {
	port, tlsConf, server := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{TLSConfig: tlsConf})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	waitEstablished(t, tr, id)

	require.NoError(t, sendAll(tr, id, []byte("ping")))
	assert.Equal(t, "ping", string(recvN(t, tr, id, 4)))

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		_, err := tr.Send(id, []byte("x"))
		return err != nil
	}, waitFor, tick)

	_, err = tr.Send(id, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Error(t, tr.LastError(id))

	require.NoError(t, tr.Close(id))
}

func TestIntegration_UnreachablePeer(t *testing.T) {
	// Reserve a port and leave nothing listening on it.
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(pconn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, pconn.Close())

	tr := newTestTransport(t, &Config{
		HandshakeTimeout:   200 * time.Millisecond,
		InsecureSkipVerify: true,
	})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := tr.Stats(id)
		return err == nil && stats.Status == StatusFailed
	}, waitFor, tick)

	ok, err := tr.IsConnected(id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tr.Send(id, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestIntegration_Datagrams(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, &quic.Config{EnableDatagrams: true})
	tr := newTestTransport(t, &Config{
		TLSConfig:       tlsConf,
		EnableDatagrams: true,
	})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	waitEstablished(t, tr, id)

	// Datagrams are unreliable; resend until one is echoed.
	require.Eventually(t, func() bool {
		if err := tr.SendDatagram(id, []byte("ping")); err != nil {
			return false
		}
		time.Sleep(20 * time.Millisecond)
		b, err := tr.RecvDatagram(id)
		return err == nil && string(b) == "ping"
	}, waitFor, tick)
}

func TestIntegration_RateLimitedSend(t *testing.T) {
	port, tlsConf, _ := startEchoServer(t, nil)
	tr := newTestTransport(t, &Config{
		TLSConfig:    tlsConf,
		MaxSendRate:  64 * 1024,
		MaxChunkSize: 4 * 1024,
	})

	id, err := tr.Connect("127.0.0.1", port)
	require.NoError(t, err)
	waitEstablished(t, tr, id)

	payload := bytes.Repeat([]byte("r"), 32*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, sendAll(tr, id, payload))
	}()

	assert.Equal(t, payload, recvN(t, tr, id, len(payload)))
	<-done
}
