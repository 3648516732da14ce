package kafka

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is reported by Holder.Invoke when no connection has been established.
	ErrNotReady = errors.New("not connected to kafka")

	// ErrHolderClosed is reported by Holder.Establish after Teardown.
	ErrHolderClosed = errors.New("session holder is torn down")

	errHandleClosed = errors.New("kafka handle is closed")
)

// ConfigError reports a failed connection attempt: the config could not be read or
// parsed, or the brokers it names could not be reached.
type ConfigError struct {
	Source string
	Err    error
}

// OperationError reports a failed delegation to the cluster handle.
type OperationError struct {
	Op  Operation
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("connect with config %q: %s", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
