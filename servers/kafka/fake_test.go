package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// fakeCluster is an in-memory Cluster with the same result texts as Manager.
type fakeCluster struct {
	mu       sync.Mutex
	topics   map[string]TopicSpec
	messages []Message
	closed   int

	// err, when set, is returned by every operation.
	err error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{topics: make(map[string]TopicSpec)}
}

func (f *fakeCluster) ListTopics(context.Context) ([]TopicSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	topics := make([]TopicSummary, 0, len(f.topics))
	for _, t := range f.topics {
		topics = append(topics, TopicSummary{Name: t.Name, Partitions: t.Partitions, ReplicationFactor: t.ReplicationFactor})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

func (f *fakeCluster) CreateTopic(_ context.Context, spec TopicSpec) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}
	if spec.Partitions < 1 {
		return errorResult("Number of partitions must be at least 1."), nil
	}
	if _, ok := f.topics[spec.Name]; ok {
		return errorResult(fmt.Sprintf("Topic '%s' already exists", spec.Name)), nil
	}

	f.topics[spec.Name] = spec
	res := successResult(fmt.Sprintf("Topic '%s' created successfully", spec.Name))
	res.Topic = TopicSummary{Name: spec.Name, Partitions: spec.Partitions, ReplicationFactor: spec.ReplicationFactor}
	return res, nil
}

func (f *fakeCluster) DeleteTopic(_ context.Context, name string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}
	if _, ok := f.topics[name]; !ok {
		return errorResult(fmt.Sprintf("Topic '%s' does not exist or already deleted.", name)), nil
	}

	delete(f.topics, name)
	return successResult(fmt.Sprintf("Topic '%s' deleted successfully", name)), nil
}

func (f *fakeCluster) DescribeTopic(_ context.Context, name string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}
	spec, ok := f.topics[name]
	if !ok {
		return errorResult(fmt.Sprintf("Topic '%s' not found", name)), nil
	}

	partitions := make([]PartitionDetail, 0, spec.Partitions)
	for i := 0; i < spec.Partitions; i++ {
		partitions = append(partitions, PartitionDetail{PartitionID: i, Leader: 1, Replicas: []int{1}, ISR: []int{1}})
	}
	return Result{
		Status: StatusSuccess,
		Topic: TopicDetail{
			Name:              name,
			Partitions:        partitions,
			PartitionCount:    spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		},
	}, nil
}

func (f *fakeCluster) Produce(_ context.Context, msg Message) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}
	if _, err := json.Marshal(msg.Value); err != nil {
		return errorResult(fmt.Sprintf("Failed to send message: %s", err)), nil
	}

	f.messages = append(f.messages, msg)
	res := successResult(fmt.Sprintf("Message sent to topic '%s'", msg.Topic))
	res.Metadata = &RecordMetadata{Topic: msg.Topic, Partition: 0, Offset: int64(len(f.messages) - 1)}
	return res, nil
}

func (f *fakeCluster) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed++
	return nil
}

func (f *fakeCluster) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// fakeConnector hands out the given clusters in order and records the configs it saw.
type fakeConnector struct {
	mu       sync.Mutex
	clusters []*fakeCluster
	configs  []Config
	err      error
}

func (c *fakeConnector) connect(_ context.Context, cfg Config) (Cluster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.configs = append(c.configs, cfg)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.clusters) == 0 {
		return nil, fmt.Errorf("no cluster left")
	}
	next := c.clusters[0]
	c.clusters = c.clusters[1:]
	return next, nil
}
