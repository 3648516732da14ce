package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output server transport for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or any io.Reader/io.Writer pair.
// It yields exactly one session, which lives until the reader is exhausted or the session
// is stopped.
//
// Instances must be created with NewStdIO.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	stopOnce      *sync.Once
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO transport reading client messages from reader and writing
// server messages to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			stopOnce:      &sync.Once{},
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// Sessions implements the ServerTransport interface by yielding the single stdio session
// and then waiting until that session is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits until the Sessions loop
// exits, which happens once the session has been stopped.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for stdio session: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so only one goroutine ever writes to the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while queueing message", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(msgBs)))
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		type lineWithErr struct {
			line string
			err  error
		}

		// A single reader goroutine feeds lines, so the loop below can return as soon
		// as the session is stopped even if the reader is blocked.
		lines := make(chan lineWithErr)
		go func() {
			// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
			reader := bufio.NewReader(s.reader)
			for {
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					select {
					case lines <- lineWithErr{err: err}:
					case <-s.done:
					}
					return
				}
				select {
				case lines <- lineWithErr{line: strings.TrimRight(line, "\r\n")}:
				case <-s.done:
					return
				}
			}
		}()

		for {
			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if strings.TrimSpace(lwe.line) == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				s.replyParseError(err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) replyParseError(err error) {
	msgBs, mErr := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Error: &JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: fmt.Sprintf("parse error: %s", err),
		},
	})
	if mErr != nil {
		return
	}
	ioMsg := stdIOMessage{msg: append(msgBs, '\n'), errs: make(chan error, 1)}
	select {
	case s.writeMessages <- ioMsg:
	case <-s.done:
	}
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
