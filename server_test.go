package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/kafka-mcp"
)

type mockToolServer struct {
	mu    sync.Mutex
	calls []string

	// block makes CallTool wait until its context is cancelled.
	block     bool
	started   chan struct{}
	cancelled chan error
}

type testClient struct {
	t        *testing.T
	srv      mcp.Server
	writer   *io.PipeWriter
	received chan mcp.JSONRPCMessage
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{
		started:   make(chan struct{}, 1),
		cancelled: make(chan error, 1),
	}
}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes back the input",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			},
		},
	}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, params.Name)
	m.mu.Unlock()

	if m.block {
		m.started <- struct{}{}
		<-ctx.Done()
		m.cancelled <- ctx.Err()
		return mcp.CallToolResult{}, ctx.Err()
	}

	switch params.Name {
	case "echo":
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, err
		}
		return mcp.TextResult(args.Text, false), nil
	case "explode":
		panic("tool exploded")
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func TestServerInitialize(t *testing.T) {
	tests := []struct {
		name        string
		requested   string
		wantVersion string
	}{
		{name: "latest", requested: mcp.LatestProtocolVersion, wantVersion: mcp.LatestProtocolVersion},
		{name: "older supported", requested: "2024-11-05", wantVersion: "2024-11-05"},
		{name: "unknown", requested: "1999-01-01", wantVersion: mcp.LatestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var connected sync.WaitGroup
			connected.Add(1)
			var clientName string

			client, _ := startStdIOServer(t, newMockToolServer(),
				mcp.WithInstructions("Connect with kafka_initialize_connection first."),
				mcp.WithServerOnClientConnected(func(_ string, info mcp.Info) {
					clientName = info.Name
					connected.Done()
				}),
			)

			client.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`, tt.requested))
			msg := client.recv()

			if msg.ID != mcp.NumberID(1) {
				t.Errorf("expected response ID 1, got %s", msg.ID)
			}
			if msg.Error != nil {
				t.Fatalf("unexpected error: %v", msg.Error)
			}

			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
				Capabilities    struct {
					Tools *struct{} `json:"tools"`
				} `json:"capabilities"`
				ServerInfo   mcp.Info `json:"serverInfo"`
				Instructions string   `json:"instructions"`
			}
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if result.ProtocolVersion != tt.wantVersion {
				t.Errorf("expected protocol version %s, got %s", tt.wantVersion, result.ProtocolVersion)
			}
			if result.Capabilities.Tools == nil {
				t.Error("expected tools capability to be advertised")
			}
			if result.ServerInfo.Name != "test-server" {
				t.Errorf("expected server name test-server, got %s", result.ServerInfo.Name)
			}
			if result.Instructions == "" {
				t.Error("expected instructions in initialize result")
			}

			connected.Wait()
			if clientName != "test-client" {
				t.Errorf("expected client name test-client, got %s", clientName)
			}
		})
	}
}

func TestServerToolsRequireInitialization(t *testing.T) {
	client, _ := startStdIOServer(t, newMockToolServer())

	client.send(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	msg := client.recv()

	if msg.Error == nil {
		t.Fatal("expected an error before initialization")
	}
	if msg.Error.Code != -32600 {
		t.Errorf("expected code -32600, got %d", msg.Error.Code)
	}
}

func TestServerTools(t *testing.T) {
	client, _ := startStdIOServer(t, newMockToolServer())
	client.initialize()

	client.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	msg := client.recv()
	var list mcp.ListToolsResult
	if err := json.Unmarshal(msg.Result, &list); err != nil {
		t.Fatalf("failed to unmarshal tools list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools list: %+v", list.Tools)
	}

	tests := []struct {
		name        string
		params      string
		wantText    string
		wantIsError bool
	}{
		{
			name:     "success",
			params:   `{"name":"echo","arguments":{"text":"hello"}}`,
			wantText: "hello",
		},
		{
			name:        "tool error becomes error result",
			params:      `{"name":"missing"}`,
			wantText:    "tool not found: missing",
			wantIsError: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":%s}`, 10+i, tt.params))
			msg := client.recv()
			if msg.Error != nil {
				t.Fatalf("unexpected error: %v", msg.Error)
			}

			var result mcp.CallToolResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if len(result.Content) != 1 || result.Content[0].Text != tt.wantText {
				t.Errorf("expected text %q, got %+v", tt.wantText, result.Content)
			}
			if result.IsError != tt.wantIsError {
				t.Errorf("expected isError %v, got %v", tt.wantIsError, result.IsError)
			}
		})
	}
}

func TestServerRecoversToolPanic(t *testing.T) {
	client, _ := startStdIOServer(t, newMockToolServer())
	client.initialize()

	client.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"explode"}}`)
	msg := client.recv()
	if msg.Error == nil {
		t.Fatal("expected an error response")
	}
	if !strings.Contains(msg.Error.Message, "tool exploded") {
		t.Errorf("expected panic message in error, got %q", msg.Error.Message)
	}

	// The session keeps serving.
	client.send(`{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	if msg := client.recv(); msg.ID != mcp.NumberID(4) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestServerMethodNotFound(t *testing.T) {
	client, _ := startStdIOServer(t, newMockToolServer())
	client.initialize()

	client.send(`{"jsonrpc":"2.0","id":5,"method":"resources/list"}`)
	msg := client.recv()
	if msg.Error == nil || msg.Error.Code != -32601 {
		t.Fatalf("expected method not found error, got %+v", msg)
	}

	// Unknown notifications are ignored.
	client.send(`{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	client.send(`{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	if msg := client.recv(); msg.ID != mcp.NumberID(6) {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestServerInvalidJSONRPCVersion(t *testing.T) {
	client, _ := startStdIOServer(t, newMockToolServer())

	client.send(`{"jsonrpc":"1.0","id":7,"method":"ping"}`)
	msg := client.recv()
	if msg.Error == nil || msg.Error.Code != -32600 {
		t.Fatalf("expected invalid request error, got %+v", msg)
	}
}

func TestServerCancelledRequest(t *testing.T) {
	tools := newMockToolServer()
	tools.block = true
	client, _ := startStdIOServer(t, tools)
	client.initialize()

	client.send(`{"jsonrpc":"2.0","id":"slow","method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`)

	select {
	case <-tools.started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool call did not start")
	}

	client.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"slow","reason":"user aborted"}}`)

	select {
	case err := <-tools.cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool call was not cancelled")
	}

	// No response is sent for the cancelled request.
	client.send(`{"jsonrpc":"2.0","id":"after","method":"ping"}`)
	if msg := client.recv(); msg.ID != mcp.StringID("after") {
		t.Errorf("expected only the ping response, got %+v", msg)
	}
}

func TestServerKeepAliveClosesUnresponsiveSession(t *testing.T) {
	disconnected := make(chan string, 1)
	client, serveDone := startStdIOServer(t, newMockToolServer(),
		mcp.WithServerPingInterval(20*time.Millisecond),
		mcp.WithServerPingTimeoutThreshold(1),
		mcp.WithServerOnClientDisconnected(func(id string) {
			disconnected <- id
		}),
	)

	// Ignore every ping.
	msg := client.recv()
	if msg.Method != "ping" {
		t.Fatalf("expected a ping from the server, got %+v", msg)
	}

	select {
	case id := <-disconnected:
		if id == "" {
			t.Error("expected a session ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after unanswered pings")
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the stdio session ended")
	}
}

func TestServerKeepAliveAnsweredPings(t *testing.T) {
	disconnected := make(chan string, 1)
	client, _ := startStdIOServer(t, newMockToolServer(),
		mcp.WithServerPingInterval(20*time.Millisecond),
		mcp.WithServerPingTimeoutThreshold(1),
		mcp.WithServerOnClientDisconnected(func(id string) {
			disconnected <- id
		}),
	)

	for range 6 {
		msg := client.recv()
		if msg.Method != "ping" {
			t.Fatalf("expected a ping from the server, got %+v", msg)
		}
		client.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, msg.ID))
	}

	select {
	case <-disconnected:
		t.Fatal("session closed although every ping was answered")
	default:
	}
}

func TestServerShutdown(t *testing.T) {
	client, serveDone := startStdIOServer(t, newMockToolServer())

	client.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if msg := client.recv(); msg.ID != mcp.NumberID(1) {
		t.Fatalf("expected ping response, got %+v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown server: %v", err)
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func startStdIOServer(t *testing.T, tools mcp.ToolServer, options ...mcp.ServerOption) (*testClient, <-chan struct{}) {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	opts := append([]mcp.ServerOption{
		mcp.WithToolServer(tools),
		mcp.WithServerPingInterval(time.Hour),
	}, options...)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.NewStdIO(serverReader, serverWriter), opts...)

	serveDone := make(chan struct{})
	go func() {
		srv.Serve()
		close(serveDone)
	}()

	client := &testClient{
		t:        t,
		srv:      srv,
		writer:   clientWriter,
		received: make(chan mcp.JSONRPCMessage, 100),
	}
	go func() {
		reader := bufio.NewReader(clientReader)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			client.received <- msg
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		clientWriter.Close()
		clientReader.Close()
	})

	return client, serveDone
}

func (c *testClient) send(raw string) {
	c.t.Helper()

	if _, err := io.WriteString(c.writer, raw+"\n"); err != nil {
		c.t.Fatalf("failed to write message: %v", err)
	}
}

func (c *testClient) recv() mcp.JSONRPCMessage {
	c.t.Helper()

	select {
	case msg := <-c.received:
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatal("timeout waiting for message")
		return mcp.JSONRPCMessage{}
	}
}

func (c *testClient) initialize() {
	c.t.Helper()

	c.send(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`)
	if msg := c.recv(); msg.ID != mcp.StringID("init") || msg.Error != nil {
		c.t.Fatalf("initialize failed: %+v", msg)
	}
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}
