package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools to LLM
// applications. It accepts sessions from its ServerTransport, performs the initialization
// handshake with each client, and routes tool requests to the configured ToolServer.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	toolServer ToolServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done     chan struct{}
	doneOnce *sync.Once
	closed   chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	toolServer ToolServer

	onClientConnected func(string, Info)
}

// requestCancels tracks the cancel functions of in-flight requests, keyed by request ID.
type requestCancels struct {
	mu      sync.Mutex
	cancels map[RequestID]context.CancelFunc
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON      = errors.New("invalid json")
	errNotInitialized   = errors.New("session is not initialized")
	errToolsUnsupported = errors.New("tools not supported by server")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		doneOnce:          &sync.Once{},
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold <= 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.capabilities = ServerCapabilities{}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions
// sent to clients during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive failed pings exceeds the threshold, the server closes the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback invoked once a client completes the
// initialize request. The callback's parameters are the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Serve accepts sessions from the transport and serves each of them until it ends.
//
// Serve blocks until the transport stops yielding sessions, which happens after Shutdown.
func (s Server) Serve() {
	defer close(s.closed)

	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			toolServer:           s.toolServer,
			onClientConnected:    s.onClientConnected,
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.serve(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by stopping all active sessions and the transport.
// It returns an error if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal every session to stop.
	s.doneOnce.Do(func() {
		close(s.done)
	})

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for serve loop: %w", ctx.Err())
	case <-s.closed:
	}

	return nil
}

func (s serverSession) serve(done <-chan struct{}) {
	pongs := make(chan RequestID, 10)
	messagesClosed := make(chan struct{})
	keepAliveClosed := make(chan struct{})
	go func() {
		defer close(keepAliveClosed)
		s.keepAlive(pongs, messagesClosed, done)
	}()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	cancels := &requestCancels{cancels: make(map[RequestID]context.CancelFunc)}
	handlers := &sync.WaitGroup{}
	initialized := false

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			if msg.ID != "" {
				s.sendError(msg.ID, jsonRPCInvalidRequestCode, errInvalidJSON.Error())
			}
			continue
		}

		switch msg.Method {
		case methodPing:
			handlers.Add(1)
			go func(msgID RequestID) {
				defer handlers.Done()
				s.sendResult(msgID, struct{}{})
			}(msg.ID)
		case methodInitialize:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				s.handleInitialize(msg)
			}()
		case methodNotificationsInitialized:
			initialized = true
		case MethodToolsList, MethodToolsCall:
			if !initialized {
				s.sendError(msg.ID, jsonRPCInvalidRequestCode, errNotInitialized.Error())
				continue
			}
			reqCtx, reqCancel := context.WithCancel(baseCtx)
			cancels.add(msg.ID, reqCancel)
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				defer cancels.remove(msg.ID)
				s.handleToolRequest(reqCtx, msg)
			}()
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
				continue
			}
			s.logger.Debug("request cancelled by client",
				slog.String("requestID", params.RequestID.String()),
				slog.String("reason", params.Reason))
			cancels.cancel(params.RequestID)
		case "":
			// A response from the client. The only requests we send are pings.
			select {
			case pongs <- msg.ID:
			default:
			}
		default:
			if msg.ID == "" {
				// Unknown notifications are ignored.
				continue
			}
			s.sendError(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method))
		}
	}

	close(messagesClosed)
	baseCancel()
	handlers.Wait()
	<-keepAliveClosed
}

func (s serverSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.sendError(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("failed to unmarshal params: %s", err))
		return
	}

	version := params.ProtocolVersion
	if !slices.Contains(supportedProtocolVersions, version) {
		s.logger.Info("client requested unsupported protocol version, offering latest",
			slog.String("requested", version),
			slog.String("offered", LatestProtocolVersion))
		version = LatestProtocolVersion
	}

	s.sendResult(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})

	s.logger.Info("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", version))

	if s.onClientConnected != nil {
		s.onClientConnected(s.session.ID(), params.ClientInfo)
	}
}

func (s serverSession) handleToolRequest(ctx context.Context, msg JSONRPCMessage) {
	var result any
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = JSONRPCError{
					Code:    jsonRPCInternalErrorCode,
					Message: fmt.Sprintf("panic while handling %s: %v", msg.Method, r),
				}
			}
		}()
		switch msg.Method {
		case MethodToolsList:
			result, err = s.callListTools(ctx, msg)
		case MethodToolsCall:
			result, err = s.callCallTool(ctx, msg)
		}
	}()

	// The client asked to cancel this request, so it is not expecting a response.
	if ctx.Err() != nil {
		s.logger.Debug("dropping response of cancelled request",
			slog.String("method", msg.Method),
			slog.String("requestID", msg.ID.String()))
		return
	}

	if err != nil {
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call tool server",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.sendError(msg.ID, jsonErr.Code, jsonErr.Message)
		return
	}

	s.sendResult(msg.ID, result)
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: errToolsUnsupported.Error(),
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			}
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to list tools: %s", err),
		}
	}

	return ts, nil
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: errToolsUnsupported.Error(),
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	result, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		s.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return TextResult(err.Error(), true), nil
	}

	return result, nil
}

func (s serverSession) keepAlive(pongs <-chan RequestID, messagesClosed, done <-chan struct{}) {
	defer s.session.Stop()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	var pending RequestID

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-messagesClosed:
			return
		case id := <-pongs:
			if id == pending {
				s.logger.Debug("received ping response, resetting failed ping counter")
				pending = ""
				failedPings = 0
			}
			continue
		case <-ticker.C:
		}

		if pending != "" {
			// The previous ping was never answered.
			failedPings++
		}

		pending = StringID(uuid.New().String())
		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      pending,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s serverSession) sendResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, jsonRPCInternalErrorCode, fmt.Sprintf("failed to marshal result: %s", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) sendError(id RequestID, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		s.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

func (r *requestCancels) add(id RequestID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *requestCancels) remove(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

func (r *requestCancels) cancel(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
}
