package main

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings(newTestViper(t))
	require.NoError(t, err)

	require.Equal(t, settings{
		Transport:       transportStdIO,
		Addr:            ":8080",
		BaseURL:         "http://localhost:8080",
		PingInterval:    30 * time.Second,
		LogLevel:        slog.LevelInfo,
		LogFormat:       logFormatText,
		ShutdownTimeout: 10 * time.Second,
	}, s)
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("KAFKA_MCP_TRANSPORT", "SSE")
	t.Setenv("KAFKA_MCP_ADDR", "127.0.0.1:9090")
	t.Setenv("KAFKA_MCP_BASE_URL", "https://mcp.example.com/")
	t.Setenv("KAFKA_MCP_KAFKA_CONFIG", "/etc/kafka/client.properties")
	t.Setenv("KAFKA_MCP_PING_INTERVAL", "5s")
	t.Setenv("KAFKA_MCP_LOG_LEVEL", "debug")
	t.Setenv("KAFKA_MCP_LOG_FORMAT", "json")

	s, err := loadSettings(newTestViper(t))
	require.NoError(t, err)

	require.Equal(t, transportSSE, s.Transport)
	require.Equal(t, "127.0.0.1:9090", s.Addr)
	require.Equal(t, "https://mcp.example.com", s.BaseURL)
	require.Equal(t, "/etc/kafka/client.properties", s.KafkaConfig)
	require.Equal(t, 5*time.Second, s.PingInterval)
	require.Equal(t, slog.LevelDebug, s.LogLevel)
	require.Equal(t, logFormatJSON, s.LogFormat)
}

func TestLoadSettingsFlagsOverrideDefaults(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(flags)
	require.NoError(t, bindSettings(v, flags))
	require.NoError(t, flags.Parse([]string{"--transport=sse", "--addr=:9999", "--shutdown-timeout=3s"}))

	s, err := loadSettings(v)
	require.NoError(t, err)
	require.Equal(t, transportSSE, s.Transport)
	require.Equal(t, ":9999", s.Addr)
	require.Equal(t, 3*time.Second, s.ShutdownTimeout)
}

func TestLoadSettingsInvalid(t *testing.T) {
	t.Setenv("KAFKA_MCP_TRANSPORT", "websocket")
	t.Setenv("KAFKA_MCP_LOG_LEVEL", "loud")
	t.Setenv("KAFKA_MCP_LOG_FORMAT", "xml")
	t.Setenv("KAFKA_MCP_PING_INTERVAL", "0s")

	_, err := loadSettings(newTestViper(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown transport "websocket"`)
	require.Contains(t, err.Error(), "invalid log-level")
	require.Contains(t, err.Error(), `unknown log-format "xml"`)
	require.Contains(t, err.Error(), "ping-interval must be positive")
}

func TestLoadSettingsSSERequiresBaseURL(t *testing.T) {
	t.Setenv("KAFKA_MCP_TRANSPORT", "sse")
	t.Setenv("KAFKA_MCP_BASE_URL", "localhost")

	_, err := loadSettings(newTestViper(t))
	require.ErrorContains(t, err, `invalid base-url "localhost"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, settings{LogLevel: slog.LevelWarn, LogFormat: logFormatJSON})

	logger.Info("dropped")
	logger.Warn("kept", slog.String("topic", "orders"))

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"msg":"kept"`)
	require.Contains(t, buf.String(), `"topic":"orders"`)
}

func TestRootCmdRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"unexpected"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	require.Error(t, cmd.Execute())
}

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()

	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(flags)
	require.NoError(t, bindSettings(v, flags))
	return v
}
