package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gobwas/glob"
)

// Operation names one of the cluster operations a Holder can invoke.
type Operation string

// ListTopicsArgs are the arguments of OpListTopics. An empty Pattern lists every topic;
// otherwise only topics whose name matches the glob are returned.
type ListTopicsArgs struct {
	Pattern string `json:"pattern,omitempty"`
}

// CreateTopicArgs are the arguments of OpCreateTopic. Partitions and ReplicationFactor
// default to 1.
type CreateTopicArgs struct {
	Name              string            `json:"name"`
	Partitions        *int              `json:"partitions,omitempty"`
	ReplicationFactor *int              `json:"replication_factor,omitempty"`
	Config            map[string]string `json:"config,omitempty"`
}

// TopicArgs are the arguments of OpDeleteTopic and OpDescribeTopic.
type TopicArgs struct {
	Name string `json:"name"`
}

// SendMessageArgs are the arguments of OpSendMessage. Message may be any JSON value.
type SendMessageArgs struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message,omitempty"`
	Key     *string         `json:"key,omitempty"`
}

type operationHandler func(ctx context.Context, c Cluster, params json.RawMessage) (any, error)

const (
	// OpListTopics lists topics, optionally filtered by ListTopicsArgs.
	OpListTopics Operation = "list_topics"
	// OpCreateTopic creates a topic from CreateTopicArgs.
	OpCreateTopic Operation = "create_topic"
	// OpDeleteTopic deletes the topic named by TopicArgs.
	OpDeleteTopic Operation = "delete_topic"
	// OpDescribeTopic reports the partition layout of the topic named by TopicArgs.
	OpDescribeTopic Operation = "describe_topic"
	// OpSendMessage produces one record from SendMessageArgs.
	OpSendMessage Operation = "send_message"
)

// Operations lists every Operation.
var Operations = []Operation{OpListTopics, OpCreateTopic, OpDeleteTopic, OpDescribeTopic, OpSendMessage}

var handlers = map[Operation]operationHandler{
	OpListTopics:    listTopics,
	OpCreateTopic:   createTopic,
	OpDeleteTopic:   deleteTopic,
	OpDescribeTopic: describeTopic,
	OpSendMessage:   sendMessage,
}

var (
	errNameRequired    = errors.New("topic name is required")
	errMessageRequired = errors.New("message must be provided")
)

func init() {
	if len(handlers) != len(Operations) {
		panic(fmt.Sprintf("kafka: %d operations but %d handlers", len(Operations), len(handlers)))
	}
	for _, op := range Operations {
		if handlers[op] == nil {
			panic(fmt.Sprintf("kafka: operation %q has no handler", op))
		}
	}
}

func listTopics(ctx context.Context, c Cluster, params json.RawMessage) (any, error) {
	var args ListTopicsArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}

	var g glob.Glob
	if args.Pattern != "" {
		var err error
		if g, err = glob.Compile(args.Pattern); err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", args.Pattern, err)
		}
	}

	topics, err := c.ListTopics(ctx)
	if err != nil || g == nil {
		return topics, err
	}

	matched := make([]TopicSummary, 0, len(topics))
	for _, t := range topics {
		if g.Match(t.Name) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func createTopic(ctx context.Context, c Cluster, params json.RawMessage) (any, error) {
	var args CreateTopicArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, errNameRequired
	}

	spec := TopicSpec{
		Name:              args.Name,
		Partitions:        1,
		ReplicationFactor: 1,
		Config:            args.Config,
	}
	if args.Partitions != nil {
		spec.Partitions = *args.Partitions
	}
	if args.ReplicationFactor != nil {
		spec.ReplicationFactor = *args.ReplicationFactor
	}

	return c.CreateTopic(ctx, spec)
}

func deleteTopic(ctx context.Context, c Cluster, params json.RawMessage) (any, error) {
	var args TopicArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, errNameRequired
	}

	return c.DeleteTopic(ctx, args.Name)
}

func describeTopic(ctx context.Context, c Cluster, params json.RawMessage) (any, error) {
	var args TopicArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, errNameRequired
	}

	return c.DescribeTopic(ctx, args.Name)
}

func sendMessage(ctx context.Context, c Cluster, params json.RawMessage) (any, error) {
	var args SendMessageArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Topic == "" {
		return nil, errNameRequired
	}
	if len(args.Message) == 0 || bytes.Equal(args.Message, []byte("null")) {
		return nil, errMessageRequired
	}

	return c.Produce(ctx, Message{Topic: args.Topic, Value: args.Message, Key: args.Key})
}

func decodeArgs(params json.RawMessage, v any) error {
	if len(bytes.TrimSpace(params)) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
