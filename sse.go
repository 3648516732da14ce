package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport.
// Server-to-client messages are streamed over SSE and client-to-server messages arrive
// through HTTP POST requests.
//
// HandleSSE and HandleMessage return the two http.Handlers the host HTTP server must
// mount. Instances should be created using NewSSEServer.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done     chan struct{}
	doneOnce *sync.Once
	closed   chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	// disconnected is closed when the client's GET request ends.
	disconnected <-chan struct{}

	done       chan struct{}
	stopOnce   *sync.Once
	sendClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	// accepted reports whether the message was routed to a live session.
	accepted chan bool
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var errSessionClosed = errors.New("session is closed")

// NewSSEServer creates a new SSE server transport. messageURL is the URL, as seen by
// clients, of the endpoint served by HandleMessage; it is announced to each client in
// the "endpoint" event.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		doneOnce:         &sync.Once{},
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// Sessions returns an iterator over client sessions. It yields a new Session each time a
// client connects through HandleSSE, and routes messages posted to HandleMessage to the
// matching session.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for lookup when a new message arrives.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.accepted <- false
					continue
				}

				select {
				case <-s.done:
					msg.accepted <- false
					return
				case <-session.done:
					msg.accepted <- false
				case session.receivedMsgs <- msg.msg:
					msg.accepted <- true
				}
			}
		}
	}
}

// Shutdown signals the Sessions loop to stop and waits until it has.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for SSE connections over GET requests. The handler
// upgrades the connection, assigns a session ID and sends the client its message endpoint
// in an "endpoint" event. The request stays open until the client disconnects or the
// session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		srvSession := sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan JSONRPCMessage),
			disconnected: r.Context().Done(),
			done:         make(chan struct{}),
			stopOnce:     &sync.Once{},
			sendClosed:   make(chan struct{}),
		}

		// Register the session before announcing the endpoint, so a client never posts to
		// an unknown session.
		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.sessions <- srvSession:
		}

		// Use the type "endpoint" to tell the client where to post its messages.
		endpoint := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		endpoint.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		go srvSession.processSendMessages(endpoint)

		// Keep the connection open until the session ends.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
		}
		<-srvSession.sendClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for client messages sent via POST requests. The
// handler expects a sessionID query parameter and a JSON-RPC message body, and answers
// 202 Accepted once the message is routed to its session.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		sm := sseSessionMessage{sessID: sessID, msg: msg, accepted: make(chan bool, 1)}
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sm:
		}

		if !<-sm.accepted {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message so only one goroutine ever writes to the sse session.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case <-s.disconnected:
		return errSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.disconnected:
				s.logger.Info("client disconnected")
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.sendClosed
}

// processSendMessages is the only writer of the underlying sse session. It writes the
// endpoint event first, then every queued message.
func (s sseServerSession) processSendMessages(endpoint *sse.Message) {
	defer close(s.sendClosed)

	if err := s.write(endpoint); err != nil {
		s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.write(sm.msg)
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		case <-s.disconnected:
			return
		}
	}
}

func (s sseServerSession) write(msg *sse.Message) error {
	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
