// Package approval gates sensitive agent requests behind a decision from
// the agent's parent client.
//
// # Lifecycle
//
// A Handler owns one Operation (readFile, writeFile, deleteFile or
// executeTool). For each request it:
//
//   - executes immediately when the agent has no parent client
//   - executes immediately when the (agent, resource) pair was approved before
//   - otherwise sends confirmationRequest to the parent and waits
//
// The wait ends on the first of a client confirmationResponse, a decisive
// remote proxy notification, expiry, or the agent disconnecting. Later
// decisions for the same correlation id are ignored.
//
// # Resources
//
// File operations resolve paths under the workspace root and reject paths
// that escape it. Tool calls are keyed on the tool name plus the command,
// path or URL they target, so approving "execute_command: make test" does
// not approve any other command.
package approval
