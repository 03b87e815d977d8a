// Package tools is the tool catalog and the dispatcher that runs it.
//
// The Registry is built once from static toolboxes and never mutated.
// Toolboxes not named in the enabled list stay visible in listings but
// their tools cannot run.
//
// Dispatcher.Execute and ExecuteFor never fail: validation errors, tool
// errors, panics and timeouts all come back as a Result with an ErrorKind
// of validation, execution, timeout or routing.
//
// Descriptors that need approval (execute-kind tools and any descriptor
// with RequiresApproval set) are not gated here. Callers route them through
// the approval package first.
package tools
