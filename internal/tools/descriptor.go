// ABOUTME: Tool descriptors and toolboxes: the immutable catalog entries agents call.
// ABOUTME: Names may arrive with the codebolt-- alias prefix, which lookup strips.

package tools

import (
	"context"
	"strings"
)

// AliasPrefix namespaces tool names for external callers.
const AliasPrefix = "codebolt--"

// Kind is the capability class of a tool.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindExecute Kind = "execute"
	KindDelete  Kind = "delete"
	KindOther   Kind = "other"
)

// RunFunc executes a tool. params have already been validated against the
// descriptor's schema. The context is cancelled on timeout or owner teardown.
type RunFunc func(ctx context.Context, params map[string]any) (any, error)

// Descriptor is one registered tool.
type Descriptor struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"displayName"`
	Description string  `json:"description"`
	Kind        Kind    `json:"kind"`
	Toolbox     string  `json:"toolbox"`
	Schema      *Schema `json:"inputSchema"`
	Run         RunFunc `json:"-"`

	// RequiresApproval routes calls through the caller's parent client
	// before Run. Execute-kind tools always require it.
	RequiresApproval bool `json:"requiresApproval,omitempty"`
}

// NeedsApproval reports whether a call must be approved before it runs.
func (d *Descriptor) NeedsApproval() bool {
	return d.RequiresApproval || d.Kind == KindExecute
}

// Alias returns the namespaced name external callers use.
func (d *Descriptor) Alias() string {
	return AliasPrefix + d.Name
}

// Toolbox groups related tools.
type Toolbox struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tools       []*Descriptor `json:"-"`
}

// ToolboxInfo is the listing view of a toolbox.
type ToolboxInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	Tools       []string `json:"tools"`
}

// StripAlias removes the codebolt-- prefix if present.
func StripAlias(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), AliasPrefix)
}

type callerKey struct{}

// WithCaller records the id of the agent or client a tool runs for.
func WithCaller(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFrom returns the id set by WithCaller, or "".
func CallerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}
