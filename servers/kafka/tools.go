package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/kafka-mcp"
	"github.com/qri-io/jsonschema"
)

type initializeConnectionArgs struct {
	ConfigFile string `json:"config_file"`
}

type tool struct {
	def    mcp.Tool
	schema *jsonschema.Schema

	// op is empty for kafka_initialize_connection, the only tool that works without a
	// connection.
	op            Operation
	failurePrefix string

	// precheck runs before the connection check. It returns the text to report and
	// true when the call must be rejected.
	precheck func(args json.RawMessage) (string, bool)
}

const connectFailurePrefix = "Failed to connect to Kafka"

const (
	initializeConnectionSchema = `{
  "type": "object",
  "properties": {
    "config_file": { "type": "string", "minLength": 1 }
  },
  "required": ["config_file"]
}`

	listTopicsSchema = `{
  "type": "object",
  "properties": {
    "pattern": { "type": "string" }
  }
}`

	createTopicSchema = `{
  "type": "object",
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "partitions": { "type": "integer", "default": 1, "maximum": 2147483647 },
    "replication_factor": { "type": "integer", "default": 1, "maximum": 32767 },
    "config": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "required": ["name"]
}`

	topicNameSchema = `{
  "type": "object",
  "properties": {
    "name": { "type": "string", "minLength": 1 }
  },
  "required": ["name"]
}`

	sendMessageSchema = `{
  "type": "object",
  "properties": {
    "topic": { "type": "string", "minLength": 1 },
    "message": {},
    "key": { "type": ["string", "null"] }
  },
  "required": ["topic"]
}`
)

var tools = []tool{
	newTool(
		"kafka_initialize_connection",
		"Connect to Kafka using a properties file",
		initializeConnectionSchema,
		"", connectFailurePrefix,
	),
	newTool(
		"kafka_list_topics",
		"List all topics in the Kafka cluster, optionally filtered by a glob pattern such as orders.*",
		listTopicsSchema,
		OpListTopics, "Error listing topics",
	),
	newTool(
		"kafka_create_topic",
		"Create a new Kafka topic",
		createTopicSchema,
		OpCreateTopic, "Error creating topic",
	),
	newTool(
		"kafka_delete_topic",
		"Delete a Kafka topic",
		topicNameSchema,
		OpDeleteTopic, "Error deleting topic",
	),
	newTool(
		"kafka_get_topic_info",
		"Get detailed information about a specific topic",
		topicNameSchema,
		OpDescribeTopic, "Error getting topic info",
	),
	withPrecheck(newTool(
		"kafka_send_message",
		"Send a message to a Kafka topic",
		sendMessageSchema,
		OpSendMessage, "Error sending message",
	), requireMessage),
}

var (
	toolList    = mcp.ListToolsResult{Tools: toolDefs(tools)}
	toolsByName = indexTools(tools)
)

func newTool(name, description, schema string, op Operation, failurePrefix string) tool {
	return tool{
		def: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		schema:        jsonschema.Must(schema),
		op:            op,
		failurePrefix: failurePrefix,
	}
}

// invalidArgsPrefix prefixes argument validation failures. The connection tool reports
// them like any other failed connect.
func (t tool) invalidArgsPrefix() string {
	if t.op == "" {
		return t.failurePrefix
	}
	return "Error"
}

func withPrecheck(t tool, precheck func(json.RawMessage) (string, bool)) tool {
	t.precheck = precheck
	return t
}

func toolDefs(ts []tool) []mcp.Tool {
	defs := make([]mcp.Tool, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, t.def)
	}
	return defs
}

func indexTools(ts []tool) map[string]tool {
	m := make(map[string]tool, len(ts))
	for _, t := range ts {
		if _, dup := m[t.def.Name]; dup {
			panic(fmt.Sprintf("kafka: duplicate tool %q", t.def.Name))
		}
		if t.op != "" {
			if _, ok := handlers[t.op]; !ok {
				panic(fmt.Sprintf("kafka: tool %q uses unknown operation %q", t.def.Name, t.op))
			}
		}
		m[t.def.Name] = t
	}
	return m
}

func requireMessage(args json.RawMessage) (string, bool) {
	var a struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", false
	}
	if len(a.Message) == 0 || bytes.Equal(a.Message, []byte("null")) {
		return "Error: 'message' must be provided.", true
	}
	return "", false
}

func validateArgs(ctx context.Context, t tool, args json.RawMessage) error {
	keyErrs, err := t.schema.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if len(keyErrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(keyErrs))
	for _, ke := range keyErrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", ke.PropertyPath, ke.Message))
	}
	return fmt.Errorf("params validation failed: %s", strings.Join(msgs, ", "))
}
