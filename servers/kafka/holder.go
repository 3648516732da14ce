package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Holder keeps the single live Cluster handle of the process. Tool calls borrow the
// handle through Invoke; Establish and Teardown replace or release it.
//
// A Holder is safe for concurrent use. Establish and Teardown exclude every other call,
// while Invoke calls run concurrently with each other. Instances must be created with
// NewHolder.
type Holder struct {
	mu       sync.RWMutex
	cluster  Cluster
	source   string
	tornDown bool

	connect Connector
	logger  *slog.Logger
}

// HolderOption represents the options for the Holder.
type HolderOption func(*Holder)

// Connector builds a Cluster handle from a parsed config. The default Connector dials
// the brokers with Connect.
type Connector func(ctx context.Context, cfg Config) (Cluster, error)

// State is the connection state of a Holder.
type State int

// OutcomeKind tags an Outcome.
type OutcomeKind int

// Outcome is the result of Establish or Invoke. Value is set on success: the config
// source for Establish, and the collaborator's plain-data return value for Invoke
// ([]TopicSummary or Result). Err is set otherwise and is one of ErrNotReady,
// *ConfigError or *OperationError.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
}

const (
	// StateDisconnected is the state before the first Establish and after Teardown.
	StateDisconnected State = iota
	// StateConnected means a live cluster handle is held.
	StateConnected
)

const (
	// OutcomeSuccess carries the operation's value.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNotReady means no handle was held; Err is ErrNotReady.
	OutcomeNotReady
	// OutcomeFailure carries the error that stopped the operation.
	OutcomeFailure
)

// NewHolder creates an empty, disconnected Holder.
func NewHolder(options ...HolderOption) *Holder {
	h := &Holder{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.connect == nil {
		h.connect = func(ctx context.Context, cfg Config) (Cluster, error) {
			return Connect(ctx, cfg, h.logger)
		}
	}
	return h
}

// WithConnector sets the function used to build Cluster handles.
func WithConnector(connect Connector) HolderOption {
	return func(h *Holder) {
		h.connect = connect
	}
}

// WithHolderLogger sets the logger for the Holder and the handles it connects.
func WithHolderLogger(logger *slog.Logger) HolderOption {
	return func(h *Holder) {
		h.logger = logger
	}
}

// State reports whether the Holder currently has a live handle.
func (h *Holder) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.cluster == nil {
		return StateDisconnected
	}
	return StateConnected
}

// Source returns the config source of the live handle, or an empty string.
func (h *Holder) Source() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.source
}

// Establish loads the properties file at source and connects to the cluster it
// describes. On success the new handle replaces the current one, which is closed. On
// failure the Holder is left as it was.
func (h *Holder) Establish(ctx context.Context, source string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while connecting", slog.String("source", source), slog.Any("panic", r))
			out = failure(&ConfigError{Source: source, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	h.mu.RLock()
	tornDown := h.tornDown
	h.mu.RUnlock()
	if tornDown {
		return failure(&ConfigError{Source: source, Err: ErrHolderClosed})
	}

	cfg, err := LoadConfig(source)
	if err != nil {
		h.logger.Warn("invalid kafka config", slog.String("source", source), slog.String("err", err.Error()))
		return failure(&ConfigError{Source: source, Err: err})
	}

	// Dialing happens without the lock so running tool calls are not blocked by a slow
	// broker.
	cluster, err := h.connect(ctx, cfg)
	if err != nil {
		h.logger.Warn("failed to connect to kafka", slog.String("source", source), slog.String("err", err.Error()))
		return failure(&ConfigError{Source: source, Err: err})
	}

	h.mu.Lock()
	if h.tornDown {
		h.mu.Unlock()
		h.closeHandle(cluster)
		return failure(&ConfigError{Source: source, Err: ErrHolderClosed})
	}
	previous := h.cluster
	h.cluster = cluster
	h.source = source
	h.mu.Unlock()

	if previous != nil {
		h.logger.Info("replacing kafka connection", slog.String("source", source))
		h.closeHandle(previous)
	}

	return Outcome{Kind: OutcomeSuccess, Value: source}
}

// Invoke runs op against the live handle, decoding params into the operation's
// arguments. Without a handle it returns a NotReady outcome and does nothing.
func (h *Holder) Invoke(ctx context.Context, op Operation, params json.RawMessage) (out Outcome) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.cluster == nil {
		return Outcome{Kind: OutcomeNotReady, Err: ErrNotReady}
	}

	handle, ok := handlers[op]
	if !ok {
		return failure(&OperationError{Op: op, Err: errUnknownOperation})
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while invoking operation", slog.String("op", string(op)), slog.Any("panic", r))
			out = failure(&OperationError{Op: op, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	value, err := handle(ctx, h.cluster, params)
	if err != nil {
		return failure(&OperationError{Op: op, Err: err})
	}
	return Outcome{Kind: OutcomeSuccess, Value: value}
}

// Teardown releases the live handle, if any. After Teardown the Holder stays
// disconnected: Establish fails and Invoke reports NotReady. Calling it again is a no-op.
func (h *Holder) Teardown() error {
	h.mu.Lock()
	cluster := h.cluster
	h.cluster = nil
	h.source = ""
	h.tornDown = true
	h.mu.Unlock()

	if cluster == nil {
		return nil
	}
	if err := cluster.Close(); err != nil {
		return fmt.Errorf("failed to close kafka handle: %w", err)
	}
	return nil
}

func (h *Holder) closeHandle(c Cluster) {
	if err := c.Close(); err != nil {
		h.logger.Warn("failed to close kafka handle", slog.String("err", err.Error()))
	}
}

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

func failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

var errUnknownOperation = errors.New("unknown operation")
