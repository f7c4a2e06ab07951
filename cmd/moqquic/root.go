package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/okdaichi/moqquic/moqquic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags and the state derived from them.
type rootOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
	multiplex   string
	insecure    bool

	cfg      *fileConfig
	logger   *slog.Logger
	registry *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "moqquic",
		Short:         "QUIC media transport tools",
		Long:          "moqquic runs a QUIC echo server and drives the moqquic connection engine against it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.multiplex, "multiplexing", "", "stream mapping: stream or uni")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip server certificate verification")

	cmd.AddCommand(
		newServeCmd(opts),
		newSendCmd(opts),
		newInteropCmd(opts),
	)

	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override the file.
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.multiplex != "" {
		cfg.Multiplexing = o.multiplex
	}
	if o.insecure {
		cfg.InsecureSkipVerify = true
	}
	o.cfg = cfg

	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return nil
}

// transport builds a Transport from the loaded configuration.
func (o *rootOptions) transport() (*moqquic.Transport, error) {
	conf, err := o.cfg.transportConfig()
	if err != nil {
		return nil, err
	}
	conf.Logger = o.logger
	conf.Registerer = o.registry

	return &moqquic.Transport{Config: conf}, nil
}

// serveMetrics starts the metrics endpoint if one was requested and returns
// a function that stops it.
func (o *rootOptions) serveMetrics() func() {
	if o.metricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              o.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		o.logger.Info("serving metrics", "address", o.metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
