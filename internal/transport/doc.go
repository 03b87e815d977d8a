// Package transport carries envelopes between peers and the router.
//
// Two transports share one Hub:
//
//   - WebSocket at /ws/{agent|app|tui}, handshake in query parameters
//     (id, instanceId, parentId, threadId, agentType, token)
//   - gRPC bidi stream codebolt.router.v1.Router/Connect with the "json"
//     content subtype, handshake in metadata
//
// The Hub authenticates the handshake, registers the connection, applies
// the per-connection rate limit, decodes frames and hands them to the
// client or agent router. On close it removes the connection and notifies
// the router so pending state owned by the peer is torn down.
package transport
