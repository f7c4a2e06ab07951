package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okdaichi/moqquic/internal/echo"
	"github.com/okdaichi/moqquic/moqquic"
	"github.com/okdaichi/moqquic/quic"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		certFile string
		keyFile  string
		hosts    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the QUIC echo server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsConf, err := serverTLSConfig(certFile, keyFile, hosts, opts.nextProtos())
			if err != nil {
				return err
			}

			s := &echo.Server{
				Addr:      addr,
				TLSConfig: tlsConf,
				QUICConfig: &quic.Config{
					EnableDatagrams: opts.cfg.EnableDatagrams,
					MaxIdleTimeout:  opts.cfg.MaxIdleTimeout,
					KeepAlivePeriod: opts.cfg.KeepAlivePeriod,
				},
				Logger: opts.logger,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopMetrics := opts.serveMetrics()
			defer stopMetrics()

			errCh := make(chan error, 1)
			go func() {
				errCh <- s.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			opts.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				opts.logger.Warn("shutdown did not finish in time", "error", err)
			}

			if err := <-errCh; !errors.Is(err, echo.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:4433", "UDP address to listen on")
	flags.StringVar(&certFile, "cert", "", "PEM certificate file (a self-signed one is generated if empty)")
	flags.StringVar(&keyFile, "key", "", "PEM private key file")
	flags.StringSliceVar(&hosts, "hosts", nil, "names for the generated certificate (default localhost, 127.0.0.1, ::1)")

	return cmd
}

func (o *rootOptions) nextProtos() []string {
	if len(o.cfg.NextProtos) > 0 {
		return o.cfg.NextProtos
	}
	return moqquic.DefaultNextProtos
}

func serverTLSConfig(certFile, keyFile string, hosts, nextProtos []string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return echo.GenerateTLSConfig(hosts, nextProtos)
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("--cert and --key must be set together")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
	}, nil
}
