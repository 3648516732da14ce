package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	kafkago "github.com/segmentio/kafka-go"
)

// Manager is the live connection handle to a Kafka cluster. It talks to the brokers
// through a kafka-go Client whose Transport pools broker connections.
type Manager struct {
	client    *kafkago.Client
	transport *kafkago.Transport
	balancer  kafkago.Hash
	logger    *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect builds a Manager from cfg and checks that the brokers answer a metadata
// request before returning it.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	transport, err := cfg.transport()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		client: &kafkago.Client{
			Addr:      kafkago.TCP(cfg.BootstrapServers...),
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		transport: transport,
		logger:    logger.With(slog.String("component", "kafka")),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	resp, err := m.client.Metadata(pingCtx, &kafkago.MetadataRequest{})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("failed to reach brokers %v: %w", cfg.BootstrapServers, err)
	}

	m.logger.Info("connected to kafka",
		slog.Any("bootstrapServers", cfg.BootstrapServers),
		slog.Int("brokers", len(resp.Brokers)),
		slog.String("clientID", cfg.ClientID))

	return m, nil
}

// ListTopics returns every non-internal topic, sorted by name.
func (m *Manager) ListTopics(ctx context.Context) ([]TopicSummary, error) {
	if m.closed.Load() {
		return nil, errHandleClosed
	}

	resp, err := m.client.Metadata(ctx, &kafkago.MetadataRequest{})
	if err != nil {
		m.logger.Error("failed to list topics", slog.String("err", err.Error()))
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}

	topics := make([]TopicSummary, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		if t.Internal || t.Error != nil {
			continue
		}
		topics = append(topics, TopicSummary{
			Name:              t.Name,
			Partitions:        len(t.Partitions),
			ReplicationFactor: replicationFactor(t.Partitions),
		})
	}

	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })

	return topics, nil
}

// CreateTopic creates a topic. Invalid counts and broker rejections are reported as
// error results.
func (m *Manager) CreateTopic(ctx context.Context, spec TopicSpec) (Result, error) {
	if spec.Partitions < 1 {
		return errorResult("Number of partitions must be at least 1."), nil
	}
	if spec.Partitions > math.MaxInt32 {
		return errorResult(fmt.Sprintf("Number of partitions must be at most %d.", math.MaxInt32)), nil
	}
	if spec.ReplicationFactor < 1 && spec.ReplicationFactor != -1 {
		return errorResult("Replication factor must be at least 1 or -1 for default."), nil
	}
	// The create topics request carries the factor as an int16.
	if spec.ReplicationFactor > math.MaxInt16 {
		return errorResult(fmt.Sprintf("Replication factor must be at most %d.", math.MaxInt16)), nil
	}
	if m.closed.Load() {
		return Result{}, errHandleClosed
	}

	keys := make([]string, 0, len(spec.Config))
	for k := range spec.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]kafkago.ConfigEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, kafkago.ConfigEntry{ConfigName: k, ConfigValue: spec.Config[k]})
	}

	resp, err := m.client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{
		Topics: []kafkago.TopicConfig{
			{
				Topic:             spec.Name,
				NumPartitions:     spec.Partitions,
				ReplicationFactor: spec.ReplicationFactor,
				ConfigEntries:     entries,
			},
		},
	})
	if err != nil {
		m.logger.Error("failed to create topic", slog.String("topic", spec.Name), slog.String("err", err.Error()))
		return Result{}, fmt.Errorf("failed to send create topics request: %w", err)
	}

	if err := resp.Errors[spec.Name]; err != nil {
		switch {
		case errors.Is(err, kafkago.TopicAlreadyExists):
			return errorResult(fmt.Sprintf("Topic '%s' already exists", spec.Name)), nil
		case errors.Is(err, kafkago.InvalidReplicationFactor):
			return errorResult("Invalid replication factor. It must be at least 1 or -1 for default."), nil
		case errors.Is(err, kafkago.InvalidPartitionNumber):
			return errorResult("Invalid number of partitions. It must be a positive integer."), nil
		default:
			m.logger.Error("kafka error while creating topic",
				slog.String("topic", spec.Name), slog.String("err", err.Error()))
			return errorResult(fmt.Sprintf("Kafka error: %s", err)), nil
		}
	}

	m.logger.Info("topic created",
		slog.String("topic", spec.Name),
		slog.Int("partitions", spec.Partitions),
		slog.Int("replicationFactor", spec.ReplicationFactor))

	res := successResult(fmt.Sprintf("Topic '%s' created successfully", spec.Name))
	res.Topic = TopicSummary{
		Name:              spec.Name,
		Partitions:        spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	}
	return res, nil
}

// DeleteTopic deletes a topic.
func (m *Manager) DeleteTopic(ctx context.Context, name string) (Result, error) {
	if m.closed.Load() {
		return Result{}, errHandleClosed
	}

	resp, err := m.client.DeleteTopics(ctx, &kafkago.DeleteTopicsRequest{Topics: []string{name}})
	if err != nil {
		m.logger.Error("failed to delete topic", slog.String("topic", name), slog.String("err", err.Error()))
		return Result{}, fmt.Errorf("failed to send delete topics request: %w", err)
	}

	if err := resp.Errors[name]; err != nil {
		if errors.Is(err, kafkago.UnknownTopicOrPartition) {
			return errorResult(fmt.Sprintf("Topic '%s' does not exist or already deleted.", name)), nil
		}
		m.logger.Error("kafka error while deleting topic", slog.String("topic", name), slog.String("err", err.Error()))
		return errorResult(fmt.Sprintf("Kafka error: %s", err)), nil
	}

	m.logger.Info("topic deleted", slog.String("topic", name))

	return successResult(fmt.Sprintf("Topic '%s' deleted successfully", name)), nil
}

// DescribeTopic returns the partition layout of a topic.
func (m *Manager) DescribeTopic(ctx context.Context, name string) (Result, error) {
	if m.closed.Load() {
		return Result{}, errHandleClosed
	}

	resp, err := m.client.Metadata(ctx, &kafkago.MetadataRequest{Topics: []string{name}})
	if err != nil {
		m.logger.Error("failed to describe topic", slog.String("topic", name), slog.String("err", err.Error()))
		return Result{}, fmt.Errorf("failed to fetch metadata: %w", err)
	}

	var topic *kafkago.Topic
	for i := range resp.Topics {
		if resp.Topics[i].Name == name {
			topic = &resp.Topics[i]
			break
		}
	}
	if topic == nil {
		return errorResult(fmt.Sprintf("Topic '%s' not found", name)), nil
	}
	if topic.Error != nil {
		return errorResult(fmt.Sprintf("Failed to get topic info for '%s': %s", name, topic.Error)), nil
	}

	partitions := make([]PartitionDetail, 0, len(topic.Partitions))
	for _, p := range topic.Partitions {
		partitions = append(partitions, PartitionDetail{
			PartitionID: p.ID,
			Leader:      p.Leader.ID,
			Replicas:    brokerIDs(p.Replicas),
			ISR:         brokerIDs(p.Isr),
		})
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].PartitionID < partitions[j].PartitionID })

	return Result{
		Status: StatusSuccess,
		Topic: TopicDetail{
			Name:              name,
			Partitions:        partitions,
			PartitionCount:    len(partitions),
			ReplicationFactor: replicationFactor(topic.Partitions),
		},
	}, nil
}

// Produce writes one record and waits for all in-sync replicas to acknowledge it.
func (m *Manager) Produce(ctx context.Context, msg Message) (Result, error) {
	if m.closed.Load() {
		return Result{}, errHandleClosed
	}

	value, err := json.Marshal(msg.Value)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to send message: %s", err)), nil
	}

	var key []byte
	if msg.Key != nil && *msg.Key != "" {
		key = []byte(*msg.Key)
	}

	meta, err := m.client.Metadata(ctx, &kafkago.MetadataRequest{Topics: []string{msg.Topic}})
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != msg.Topic {
			continue
		}
		if t.Error != nil {
			return errorResult(fmt.Sprintf("Failed to send message: %s", t.Error)), nil
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return errorResult(fmt.Sprintf("Failed to send message: topic '%s' has no partitions", msg.Topic)), nil
	}
	sort.Ints(partitions)

	partition := m.balancer.Balance(kafkago.Message{Key: key}, partitions...)

	record := kafkago.Record{Value: kafkago.NewBytes(value)}
	if key != nil {
		record.Key = kafkago.NewBytes(key)
	}

	resp, err := m.client.Produce(ctx, &kafkago.ProduceRequest{
		Topic:        msg.Topic,
		Partition:    partition,
		RequiredAcks: kafkago.RequireAll,
		Records:      kafkago.NewRecordReader(record),
	})
	if err != nil {
		m.logger.Error("failed to send message", slog.String("topic", msg.Topic), slog.String("err", err.Error()))
		return Result{}, fmt.Errorf("failed to send produce request: %w", err)
	}
	if resp.Error != nil {
		return errorResult(fmt.Sprintf("Failed to send message: %s", resp.Error)), nil
	}
	if len(resp.RecordErrors) > 0 {
		indexes := make([]int, 0, len(resp.RecordErrors))
		for i := range resp.RecordErrors {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		return errorResult(fmt.Sprintf("Failed to send message: %s", resp.RecordErrors[indexes[0]])), nil
	}

	res := successResult(fmt.Sprintf("Message sent to topic '%s'", msg.Topic))
	res.Metadata = &RecordMetadata{
		Topic:     msg.Topic,
		Partition: partition,
		Offset:    resp.BaseOffset,
	}
	return res, nil
}

// Close releases the pooled broker connections. Operations on a closed Manager fail.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.transport.CloseIdleConnections()
		m.logger.Info("kafka connection closed")
	})
	return nil
}

func replicationFactor(partitions []kafkago.Partition) int {
	if len(partitions) == 0 {
		return 0
	}
	return len(partitions[0].Replicas)
}

func brokerIDs(brokers []kafkago.Broker) []int {
	ids := make([]int, 0, len(brokers))
	for _, b := range brokers {
		ids = append(ids, b.ID)
	}
	return ids
}
