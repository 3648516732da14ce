// Package mcp implements the server side of the Model Context Protocol (MCP) used to expose
// tools to an AI assistant host. It follows the specification published at
// https://spec.modelcontextprotocol.io/specification/.
//
// A Server negotiates the protocol version with each client, answers tools/list and
// tools/call by delegating to a ToolServer, and keeps sessions alive with periodic
// pings. Sessions are produced by a ServerTransport; two are provided: StdIO, for hosts
// that spawn the server as a child process, and SSEServer, for hosts that connect
// over HTTP.
package mcp
