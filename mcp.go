package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations
	// should not stop the sessions it produced, the Server already does that before calling this
	// method. The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between the server and one client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the client.
	// The implementations should exit the iteration if the session is stopped or the
	// client goes away.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The Server calls this exactly once per session.
	Stop()
}

// ToolServer defines the interface for exposing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns the list of available tools.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. Failures the caller
	// should see are reported through CallToolResult.IsError; a returned error is
	// converted into an error tool result by the Server.
	//
	// The context is cancelled when the client sends notifications/cancelled for the
	// request or when the session ends.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}
