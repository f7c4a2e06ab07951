package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/okdaichi/moqquic/internal/echo"
	"github.com/okdaichi/moqquic/moqquic"
	"github.com/okdaichi/moqquic/quic"
	"github.com/spf13/cobra"
)

func newInteropCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "interop",
		Short: "Run an in-process echo server and check every transport mode against it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return runInterop(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")

	return cmd
}

func runInterop(ctx context.Context, opts *rootOptions, out io.Writer) error {
	fmt.Fprint(out, "Starting echo server...")
	serverTLS, err := echo.GenerateTLSConfig(nil, opts.nextProtos())
	if err != nil {
		fmt.Fprintf(out, "failed\n  Error: %v\n", err)
		return err
	}

	s := &echo.Server{
		Addr:       "127.0.0.1:0",
		TLSConfig:  serverTLS,
		QUICConfig: &quic.Config{EnableDatagrams: true},
		Logger:     opts.logger,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()
	defer func() {
		s.Close()
		if err := <-errCh; !errors.Is(err, echo.ErrServerClosed) {
			opts.logger.Warn("echo server stopped", "error", err)
		}
	}()

	addr, err := s.ListenAddr(ctx)
	if err != nil {
		fmt.Fprintf(out, "failed\n  Error: %v\n", err)
		return err
	}
	fmt.Fprintln(out, "ok")

	t := target{host: "127.0.0.1", port: uint16(addr.(*net.UDPAddr).Port)}
	clientTLS := &tls.Config{RootCAs: echo.CertPool(serverTLS)}

	checks := []struct {
		name string
		mode moqquic.Multiplexing
		run  func(ctx context.Context, tr *moqquic.Transport) error
	}{
		{
			name: "single stream echo",
			mode: moqquic.MultiplexStream,
			run:  echoCheck(t, []byte("HELLO")),
		},
		{
			name: "unidirectional stream echo",
			mode: moqquic.MultiplexUniStreams,
			run:  echoCheck(t, make([]byte, 64*1024)),
		},
		{
			name: "datagram echo",
			mode: moqquic.MultiplexStream,
			run: func(ctx context.Context, tr *moqquic.Transport) error {
				return pingDatagram(ctx, tr, t, []byte("PING"))
			},
		},
	}

	for _, check := range checks {
		fmt.Fprintf(out, "Checking %s...", check.name)

		tr, err := opts.transport()
		if err != nil {
			return err
		}
		tr.Config.TLSConfig = clientTLS
		tr.Config.Multiplexing = check.mode
		tr.Config.EnableDatagrams = true
		tr.Init()

		err = check.run(ctx, tr)
		tr.Cleanup()
		if err != nil {
			fmt.Fprintf(out, "failed\n  Error: %v\n", err)
			return err
		}
		fmt.Fprintln(out, "ok")
	}

	fmt.Fprintln(out, "[OK] all checks passed")
	return nil
}

func echoCheck(t target, msg []byte) func(context.Context, *moqquic.Transport) error {
	return func(ctx context.Context, tr *moqquic.Transport) error {
		reply, err := exchange(ctx, tr, t, msg)
		if err != nil {
			return err
		}
		if string(reply) != string(msg) {
			return fmt.Errorf("echo mismatch: sent %d bytes, got %d different bytes", len(msg), len(reply))
		}
		return nil
	}
}
