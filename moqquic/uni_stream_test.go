package moqquic

import (
	"context"
	"crypto/tls"
	"strings"
	"testing"

	"github.com/okdaichi/moqquic/quic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_UniStreamWriteFinish(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{DialQUICFunc: peer.dial})

	id := connectEstablished(t, tr)

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)

	n, err := tr.StreamWrite(id, sid, []byte("group-0 object-0"))
	require.NoError(t, err)
	assert.Equal(t, len("group-0 object-0"), n)

	require.NoError(t, tr.StreamFinish(id, sid))

	require.Eventually(t, func() bool {
		data, finished := peer.uniStream(0)
		return finished && data == "group-0 object-0"
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		stats, err := tr.Stats(id)
		return err == nil && stats.UniStreams == 0
	}, waitFor, tick)

	_, err = tr.StreamWrite(id, sid, []byte("late"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tr.StreamFinish(id, sid), ErrNotFound)

	assert.Empty(t, peer.received(), "stream bytes do not leak onto the main stream")
}

func TestTransport_UniStreamsAreIndependent(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{DialQUICFunc: peer.dial})

	id := connectEstablished(t, tr)

	first, err := tr.OpenUniStream(id)
	require.NoError(t, err)
	second, err := tr.OpenUniStream(id)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	for i := 0; i < 4; i++ {
		_, err := tr.StreamWrite(id, first, []byte("a"))
		require.NoError(t, err)
		_, err = tr.StreamWrite(id, second, []byte("b"))
		require.NoError(t, err)
	}
	require.NoError(t, tr.StreamFinish(id, first))
	require.NoError(t, tr.StreamFinish(id, second))

	require.Eventually(t, func() bool {
		if peer.uniStreamCount() != 2 {
			return false
		}
		a, aDone := peer.uniStream(0)
		b, bDone := peer.uniStream(1)
		return aDone && bDone && len(a) == 4 && len(b) == 4
	}, waitFor, tick)

	// Pumps start concurrently, so either stream may be opened first.
	a, _ := peer.uniStream(0)
	b, _ := peer.uniStream(1)
	assert.ElementsMatch(t, []string{"aaaa", "bbbb"}, []string{a, b})
}

func TestTransport_UniStreamOpenedDuringHandshake(t *testing.T) {
	peer := newMockPeer()
	release := make(chan struct{})
	tr := newTestTransport(t, &Config{
		DialQUICFunc: func(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.Connection, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return peer.dial(ctx, addr, tlsConfig, quicConfig)
		},
	})

	id, err := tr.Connect("127.0.0.1", 4433)
	require.NoError(t, err)

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)
	_, err = tr.StreamWrite(id, sid, []byte("queued"))
	require.NoError(t, err)
	require.NoError(t, tr.StreamFinish(id, sid))
	assert.Zero(t, peer.uniStreamCount())

	close(release)

	require.Eventually(t, func() bool {
		data, finished := peer.uniStream(0)
		return finished && data == "queued"
	}, waitFor, tick)
}

func TestTransport_UniStreamBackpressure(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{
		DialQUICFunc:   peer.dial,
		SendBufferSize: 8,
	})

	id := connectEstablished(t, tr)

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)

	payload := []byte(strings.Repeat("x", 64))
	var sent int
	require.Eventually(t, func() bool {
		n, err := tr.StreamWrite(id, sid, payload[sent:])
		if err != nil {
			return false
		}
		assert.LessOrEqual(t, n, 8, "a write never exceeds the stream's buffer")
		sent += n
		return sent == len(payload)
	}, waitFor, tick)

	require.NoError(t, tr.StreamFinish(id, sid))
	require.Eventually(t, func() bool {
		data, finished := peer.uniStream(0)
		return finished && data == string(payload)
	}, waitFor, tick)
}

func TestTransport_UniStreamLimit(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{
		DialQUICFunc:  peer.dial,
		MaxUniStreams: 2,
	})

	id := connectEstablished(t, tr)

	for i := 0; i < 2; i++ {
		_, err := tr.OpenUniStream(id)
		require.NoError(t, err)
	}

	_, err := tr.OpenUniStream(id)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestTransport_UniStreamErrors(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{DialQUICFunc: peer.dial})

	id := connectEstablished(t, tr)

	tests := map[string]func() error{
		"write to unknown stream": func() error {
			_, err := tr.StreamWrite(id, 42, []byte("x"))
			return err
		},
		"finish unknown stream": func() error {
			return tr.StreamFinish(id, 42)
		},
		"open on unknown connection": func() error {
			_, err := tr.OpenUniStream(id + 100)
			return err
		},
		"write on unknown connection": func() error {
			_, err := tr.StreamWrite(id+100, 1, []byte("x"))
			return err
		},
	}

	for name, call := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), ErrNotFound)
		})
	}
}

func TestTransport_UniStreamResetByPeer(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{DialQUICFunc: peer.dial})

	id := connectEstablished(t, tr)

	peer.mu.Lock()
	peer.uniWriteErr = &quic.StreamError{ErrorCode: 7, Remote: true}
	peer.mu.Unlock()

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)
	_, err = tr.StreamWrite(id, sid, []byte("rejected"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := tr.StreamWrite(id, sid, []byte("x"))
		return err != nil
	}, waitFor, tick)

	_, err = tr.StreamWrite(id, sid, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionFailed)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Remote)

	ok, err := tr.IsConnected(id)
	require.NoError(t, err)
	assert.True(t, ok, "a reset stream leaves the connection up")

	assert.ErrorIs(t, tr.StreamFinish(id, sid), ErrConnectionFailed)
	assert.ErrorIs(t, tr.StreamFinish(id, sid), ErrNotFound)

	_, err = tr.Send(id, []byte("still works"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return peer.received() == "still works"
	}, waitFor, tick)
}

func TestTransport_UniStreamFlushedOnClose(t *testing.T) {
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{DialQUICFunc: peer.dial})

	id := connectEstablished(t, tr)

	sid, err := tr.OpenUniStream(id)
	require.NoError(t, err)
	_, err = tr.StreamWrite(id, sid, []byte("before close"))
	require.NoError(t, err)

	require.NoError(t, tr.Close(id))

	_, err = tr.StreamWrite(id, sid, []byte("after close"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.OpenUniStream(id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.Eventually(t, func() bool {
		data, _ := peer.uniStream(0)
		return data == "before close"
	}, waitFor, tick)
}
