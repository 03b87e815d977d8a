// Package builtins provides the static tool catalog agents can call.
//
// # Toolboxes
//
// fs - read-only workspace access:
//
//   - read_file: Read a file under the workspace root (needs approval)
//   - list_directory: List entries of a directory
//   - search_files: Find files whose path contains a pattern
//
// shell:
//
//   - execute_command: Run a command in the workspace (needs approval)
//
// git - repository inspection:
//
//   - git_status: Branch and worktree status
//   - git_log: Recent commits
//
// web:
//
//   - fetch_url: Fetch a page and return its title and text
//
// notes - key/value storage scoped to the calling agent:
//
//   - note_set, note_get, note_list, note_delete
//
// # Paths
//
// Every path parameter is resolved against the workspace root and must not
// escape it.
//
// # Tool Implementation
//
// Each tool is a tools.RunFunc:
//
//	func(ctx context.Context, params map[string]any) (any, error)
//
// Agents reach tools that need approval only after their parent client
// approves the call. MCP sessions cannot call them at all.
//
// Parameters arrive already validated against the tool's schema. The
// calling agent's id, when known, is available via tools.CallerFrom(ctx).
package builtins
