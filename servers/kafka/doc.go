// Package kafka exposes Kafka topic administration and message production as MCP tools.
//
// A Holder owns the one live connection of the process. It starts disconnected, is
// connected by Establish from a Java-style properties file, lends the connection to
// Invoke calls and releases it on Teardown. Failures never escape as panics: Establish
// and Invoke report them through an Outcome carrying ErrNotReady, a *ConfigError or an
// *OperationError.
//
// Server adapts a Holder to mcp.ToolServer with these tools:
//
//   - kafka_initialize_connection
//   - kafka_list_topics
//   - kafka_create_topic
//   - kafka_delete_topic
//   - kafka_get_topic_info
//   - kafka_send_message
//
// Manager is the Cluster implementation used in production; it talks to the brokers
// with segmentio/kafka-go.
package kafka
