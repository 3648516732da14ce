package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "KAFKA_MCP"

const (
	flagTransport       = "transport"
	flagAddr            = "addr"
	flagBaseURL         = "base-url"
	flagKafkaConfig     = "kafka-config"
	flagPingInterval    = "ping-interval"
	flagLogLevel        = "log-level"
	flagLogFormat       = "log-format"
	flagShutdownTimeout = "shutdown-timeout"

	transportStdIO = "stdio"
	transportSSE   = "sse"

	logFormatText = "text"
	logFormatJSON = "json"
)

type settings struct {
	Transport       string
	Addr            string
	BaseURL         string
	KafkaConfig     string
	PingInterval    time.Duration
	LogLevel        slog.Level
	LogFormat       string
	ShutdownTimeout time.Duration
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String(flagTransport, transportStdIO, "MCP transport to serve: stdio or sse")
	flags.String(flagAddr, ":8080", "listen address of the SSE transport")
	flags.String(flagBaseURL, "http://localhost:8080", "base URL clients use to reach the SSE transport")
	flags.String(flagKafkaConfig, "", "Kafka properties file to connect with at startup (optional)")
	flags.Duration(flagPingInterval, 30*time.Second, "interval between keep-alive pings to each client")
	flags.String(flagLogLevel, "info", "log level: debug, info, warn or error")
	flags.String(flagLogFormat, logFormatText, "log format: text or json")
	flags.Duration(flagShutdownTimeout, 10*time.Second, "time allowed for a graceful shutdown")
}

// bindSettings makes every flag overridable by a KAFKA_MCP_ prefixed environment
// variable, e.g. KAFKA_MCP_TRANSPORT=sse.
func bindSettings(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Transport:       strings.ToLower(strings.TrimSpace(v.GetString(flagTransport))),
		Addr:            v.GetString(flagAddr),
		BaseURL:         strings.TrimRight(v.GetString(flagBaseURL), "/"),
		KafkaConfig:     v.GetString(flagKafkaConfig),
		PingInterval:    v.GetDuration(flagPingInterval),
		LogFormat:       strings.ToLower(v.GetString(flagLogFormat)),
		ShutdownTimeout: v.GetDuration(flagShutdownTimeout),
	}

	var errs *multierror.Error

	switch s.Transport {
	case transportStdIO:
	case transportSSE:
		if s.Addr == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s is required for the sse transport", flagAddr))
		}
		if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("invalid %s %q", flagBaseURL, s.BaseURL))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown %s %q", flagTransport, s.Transport))
	}

	if err := s.LogLevel.UnmarshalText([]byte(v.GetString(flagLogLevel))); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid %s: %w", flagLogLevel, err))
	}

	switch s.LogFormat {
	case logFormatText, logFormatJSON:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown %s %q", flagLogFormat, s.LogFormat))
	}

	if s.PingInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s must be positive", flagPingInterval))
	}
	if s.ShutdownTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s must be positive", flagShutdownTimeout))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return settings{}, err
	}
	return s, nil
}

// newLogger writes to w, which must not be stdout when the stdio transport is used.
func newLogger(w io.Writer, s settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.LogLevel}
	if s.LogFormat == logFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
