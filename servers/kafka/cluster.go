package kafka

import (
	"context"
)

// Cluster is the set of administrative and produce operations the holder delegates to.
// Manager implements it over kafka-go.
//
// Rejections the broker reports for a single request (topic exists, unknown topic, bad
// partition count) come back as a Result with StatusError. A returned error means the
// request itself could not be carried out, typically because the cluster is unreachable.
type Cluster interface {
	ListTopics(ctx context.Context) ([]TopicSummary, error)
	CreateTopic(ctx context.Context, spec TopicSpec) (Result, error)
	DeleteTopic(ctx context.Context, name string) (Result, error)
	DescribeTopic(ctx context.Context, name string) (Result, error)
	Produce(ctx context.Context, msg Message) (Result, error)

	// Close releases the handle's network resources. It is safe to call more than once.
	Close() error
}

// Status tags a Result as a success or a failure.
type Status string

// Result is the structured outcome of a single cluster operation.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	// Topic is a TopicSummary for created topics and a TopicDetail for described ones.
	Topic any `json:"topic,omitempty"`

	Metadata *RecordMetadata `json:"metadata,omitempty"`
}

// TopicSummary describes a topic as listed by ListTopics.
type TopicSummary struct {
	Name              string `json:"name"`
	Partitions        int    `json:"partitions"`
	ReplicationFactor int    `json:"replication_factor"`
}

// TopicDetail describes a topic and each of its partitions.
type TopicDetail struct {
	Name              string            `json:"name"`
	Partitions        []PartitionDetail `json:"partitions"`
	PartitionCount    int               `json:"partition_count"`
	ReplicationFactor int               `json:"replication_factor"`
}

// PartitionDetail lists the broker IDs serving one partition.
type PartitionDetail struct {
	PartitionID int   `json:"partition_id"`
	Leader      int   `json:"leader"`
	Replicas    []int `json:"replicas"`
	ISR         []int `json:"isr"`
}

// RecordMetadata locates a produced record.
type RecordMetadata struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// TopicSpec is a request to create a topic. A ReplicationFactor of -1 asks the broker
// to use its default.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

// Message is a record to produce. Value is encoded as JSON; Key, when set, is sent as
// its UTF-8 bytes.
type Message struct {
	Topic string
	Value any
	Key   *string
}

const (
	// StatusSuccess marks an operation the cluster carried out.
	StatusSuccess Status = "success"
	// StatusError marks a request the cluster or a local check rejected.
	StatusError Status = "error"
)

func successResult(message string) Result {
	return Result{Status: StatusSuccess, Message: message}
}

func errorResult(message string) Result {
	return Result{Status: StatusError, Message: message}
}
