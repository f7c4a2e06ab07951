package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okdaichi/moqquic/moqquic"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML form of moqquic.Config. Zero values keep the defaults.
type fileConfig struct {
	MaxConnections     int           `yaml:"max_connections"`
	SendBufferSize     int           `yaml:"send_buffer_size"`
	RecvBufferSize     int           `yaml:"recv_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	MaxIdleTimeout     time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod    time.Duration `yaml:"keep_alive_period"`
	CloseGracePeriod   time.Duration `yaml:"close_grace_period"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxChunkSize       int           `yaml:"max_chunk_size"`
	MaxSendRate        int           `yaml:"max_send_rate"`
	Multiplexing       string        `yaml:"multiplexing"`
	EnableDatagrams    bool          `yaml:"enable_datagrams"`
	MaxQueuedDatagrams int           `yaml:"max_queued_datagrams"`
	NextProtos         []string      `yaml:"next_protos"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LogLevel           string        `yaml:"log_level"`
}

// loadConfig reads path. A missing file yields an empty configuration.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

func parseMultiplexing(s string) (moqquic.Multiplexing, error) {
	switch s {
	case "", "stream":
		return moqquic.MultiplexStream, nil
	case "uni":
		return moqquic.MultiplexUniStreams, nil
	default:
		return 0, fmt.Errorf("unknown multiplexing %q (want stream or uni)", s)
	}
}

// transportConfig converts the file configuration.
func (c *fileConfig) transportConfig() (*moqquic.Config, error) {
	mode, err := parseMultiplexing(c.Multiplexing)
	if err != nil {
		return nil, err
	}

	return &moqquic.Config{
		MaxConnections:     c.MaxConnections,
		SendBufferSize:     c.SendBufferSize,
		RecvBufferSize:     c.RecvBufferSize,
		HandshakeTimeout:   c.HandshakeTimeout,
		MaxIdleTimeout:     c.MaxIdleTimeout,
		KeepAlivePeriod:    c.KeepAlivePeriod,
		CloseGracePeriod:   c.CloseGracePeriod,
		PollInterval:       c.PollInterval,
		MaxChunkSize:       c.MaxChunkSize,
		MaxSendRate:        c.MaxSendRate,
		Multiplexing:       mode,
		EnableDatagrams:    c.EnableDatagrams,
		MaxQueuedDatagrams: c.MaxQueuedDatagrams,
		NextProtos:         c.NextProtos,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}, nil
}
