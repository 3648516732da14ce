package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/kafka-mcp"
)

// Server implements mcp.ToolServer, exposing the cluster operations of a Holder as MCP
// tools. It does not own the Holder; the caller tears it down on exit.
type Server struct {
	holder *Holder
	logger *slog.Logger
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

const notConnectedText = "Error: Not connected to Kafka. Please use kafka_initialize_connection first."

// NewServer creates a tool server backed by holder.
func NewServer(holder *Holder, options ...ServerOption) Server {
	s := Server{
		holder: holder,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithServerLogger sets the logger for the Server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "kafka-tools"))
	}
}

// ListTools implements mcp.ToolServer interface.
func (s Server) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return toolList, nil
}

// CallTool implements mcp.ToolServer interface.
//
// Every tool failure, including calls made before a connection is established, is
// reported as an error tool result rather than a returned error. Only unknown tool
// names return an error.
func (s Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	t, ok := toolsByName[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	s.logger.Debug("calling tool", slog.String("tool", params.Name))

	if t.precheck != nil {
		if text, failed := t.precheck(args); failed {
			return mcp.TextResult(text, true), nil
		}
	}

	if t.op != "" && s.holder.State() != StateConnected {
		return mcp.TextResult(notConnectedText, true), nil
	}

	if err := validateArgs(ctx, t, args); err != nil {
		return mcp.TextResult(fmt.Sprintf("%s: %s", t.invalidArgsPrefix(), err), true), nil
	}

	if t.op == "" {
		return s.initializeConnection(ctx, args)
	}

	out := s.holder.Invoke(ctx, t.op, args)
	switch out.Kind {
	case OutcomeNotReady:
		return mcp.TextResult(notConnectedText, true), nil
	case OutcomeFailure:
		s.logger.Warn("tool failed", slog.String("tool", params.Name), slog.String("err", out.Err.Error()))
		return mcp.TextResult(fmt.Sprintf("%s: %s", t.failurePrefix, causeOf(out.Err)), true), nil
	}

	if t.op == OpListTopics {
		topics, _ := out.Value.([]TopicSummary)
		return mcp.TextResult(formatTopics(topics), false), nil
	}

	text, err := json.MarshalIndent(out.Value, "", "  ")
	if err != nil {
		return mcp.TextResult(fmt.Sprintf("%s: %s", t.failurePrefix, err), true), nil
	}
	res, _ := out.Value.(Result)
	return mcp.TextResult(string(text), res.Status == StatusError), nil
}

func (s Server) initializeConnection(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	var a initializeConnectionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return mcp.TextResult(fmt.Sprintf("%s: %s", connectFailurePrefix, err), true), nil
	}

	out := s.holder.Establish(ctx, a.ConfigFile)
	if !out.OK() {
		return mcp.TextResult(fmt.Sprintf("%s: %s", connectFailurePrefix, causeOf(out.Err)), true), nil
	}

	s.logger.Info("connected to kafka", slog.String("configFile", a.ConfigFile))
	return mcp.TextResult(fmt.Sprintf("Successfully connected to Kafka using config file: %s", a.ConfigFile), false), nil
}

func formatTopics(topics []TopicSummary) string {
	if len(topics) == 0 {
		return "No topics found in the Kafka cluster."
	}

	lines := make([]string, 0, len(topics)+1)
	lines = append(lines, "Topics in Kafka cluster:")
	for _, t := range topics {
		lines = append(lines, fmt.Sprintf("• %s (partitions: %d, replication: %d)", t.Name, t.Partitions, t.ReplicationFactor))
	}
	return strings.Join(lines, "\n")
}

// causeOf strips the holder's error wrappers so tool texts carry only the underlying
// description.
func causeOf(err error) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Err
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Err
	}
	return err
}
