// Package gateway assembles the router from its parts and runs it.
//
// # Components
//
// New builds, in order: telemetry, the audit store, the connection
// registry, the tool catalog and dispatcher, the approval handlers
// (readFile, writeFile, deleteFile), the spawn manager, the remote
// forwarder, the delivery dispatcher, the client/agent/remote routers and
// the WebSocket and gRPC transports.
//
// # HTTP surface
//
//	GET  /health                  liveness
//	GET  /health/ready            store reachable and remote proxy connected
//	GET  /metrics                 Prometheus (when metrics.enabled)
//	GET  /ws/{agent|app|tui}      WebSocket transport
//	POST /mcp                     MCP tool access
//	GET  /api/connections         live connections by role
//	GET  /api/approvals           pending approval requests
//	GET  /api/approvals/history   recorded decisions
//	GET  /api/tools               tool catalog
//	GET  /api/agents              spawned agent processes
//
// /api routes require a token when auth.required is set.
//
// # Listeners
//
// Plain TCP on server.http_addr and server.grpc_addr, or a tsnet node
// (HTTP :80, gRPC :50051) when tailscale.enabled is set.
package gateway
