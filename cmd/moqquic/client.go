package main

import (
	"context"
	"fmt"
	"time"

	"github.com/okdaichi/moqquic/moqquic"
)

const pollInterval = 5 * time.Millisecond

// target identifies the server a client talks to. A non-empty path selects WebTransport.
type target struct {
	host string
	port uint16
	path string
}

func (t target) connect(tr *moqquic.Transport) (uint64, error) {
	if t.path != "" {
		return tr.ConnectWebTransport(t.host, t.port, t.path)
	}
	return tr.Connect(t.host, t.port)
}

// waitConnected polls until the connection is established.
func waitConnected(ctx context.Context, tr *moqquic.Transport, id uint64) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := tr.IsConnected(id)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := tr.LastError(id); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for handshake: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// exchange sends msg on a new connection and reads back as many bytes.
func exchange(ctx context.Context, tr *moqquic.Transport, t target, msg []byte) ([]byte, error) {
	id, err := t.connect(tr)
	if err != nil {
		return nil, err
	}
	defer tr.Close(id)

	if err := waitConnected(ctx, tr, id); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	pending := msg
	reply := make([]byte, 0, len(msg))
	for len(reply) < len(msg) {
		if len(pending) > 0 {
			n, err := tr.Send(id, pending)
			if err != nil {
				return nil, err
			}
			pending = pending[n:]
		}

		p, err := tr.Recv(id, len(msg)-len(reply))
		if err != nil {
			return nil, err
		}
		reply = append(reply, p...)
		if len(p) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("received %d of %d bytes: %w", len(reply), len(msg), ctx.Err())
		case <-ticker.C:
		}
	}

	return reply, nil
}

// pingDatagram sends datagrams until one is echoed.
func pingDatagram(ctx context.Context, tr *moqquic.Transport, t target, msg []byte) error {
	id, err := t.connect(tr)
	if err != nil {
		return err
	}
	defer tr.Close(id)

	if err := waitConnected(ctx, tr, id); err != nil {
		return err
	}

	ticker := time.NewTicker(20 * pollInterval)
	defer ticker.Stop()

	for {
		if err := tr.SendDatagram(id, msg); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("no datagram echoed: %w", ctx.Err())
		case <-ticker.C:
		}

		b, err := tr.RecvDatagram(id)
		if err != nil {
			return err
		}
		if string(b) == string(msg) {
			return nil
		}
	}
}
