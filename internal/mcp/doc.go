// Package mcp exposes the router's tool catalog over the Model Context
// Protocol Streamable HTTP transport.
//
// A single endpoint accepts JSON-RPC 2.0 over POST:
//
//   - initialize creates a session and returns it in Mcp-Session-Id
//   - tools/list returns the catalog under codebolt-- aliases
//   - tools/call runs a tool through the dispatcher
//
// DELETE terminates a session and cancels its in-flight tool calls.
// Server-initiated SSE streams are not supported.
package mcp
