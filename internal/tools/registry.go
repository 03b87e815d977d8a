// ABOUTME: Immutable tool catalog built once at startup from static toolboxes.
// ABOUTME: Listing and search are pure reads; lookup strips the alias prefix.

package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrToolNotFound indicates no tool is registered under the requested name.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolDisabled indicates the tool's toolbox is not enabled by configuration.
var ErrToolDisabled = errors.New("toolbox not enabled")

// ErrToolCollision indicates two toolboxes define the same tool name.
var ErrToolCollision = errors.New("tool name collision")

// Registry is the read-only tool catalog. Safe for concurrent use because
// nothing mutates it after NewRegistry returns.
type Registry struct {
	tools     map[string]*Descriptor
	ordered   []*Descriptor
	toolboxes []*Toolbox
	enabled   map[string]bool
}

// NewRegistry builds the catalog. enabled names the toolboxes reported as
// enabled; an empty list enables all of them.
func NewRegistry(boxes []*Toolbox, enabled []string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]*Descriptor),
		enabled: make(map[string]bool),
	}

	for _, box := range boxes {
		for _, d := range box.Tools {
			if d.Run == nil {
				return nil, fmt.Errorf("tool %q has no run function", d.Name)
			}
			if existing, ok := r.tools[d.Name]; ok {
				return nil, fmt.Errorf("%w: tool %q defined by %q and %q",
					ErrToolCollision, d.Name, existing.Toolbox, box.Name)
			}
			d.Toolbox = box.Name
			if d.Kind == "" {
				d.Kind = KindOther
			}
			r.tools[d.Name] = d
			r.ordered = append(r.ordered, d)
		}
		r.toolboxes = append(r.toolboxes, box)
	}

	known := make(map[string]bool, len(boxes))
	for _, box := range boxes {
		known[box.Name] = true
	}
	for _, name := range enabled {
		if !known[name] {
			return nil, fmt.Errorf("enabled toolbox %q does not exist", name)
		}
		r.enabled[name] = true
	}
	if len(enabled) == 0 {
		for name := range known {
			r.enabled[name] = true
		}
	}

	logger.Info("=== TOOL CATALOG LOADED ===",
		"toolboxes", len(r.toolboxes),
		"tools", len(r.ordered),
		"enabled", len(r.enabled),
	)
	return r, nil
}

// GetAll returns every tool in catalog order.
func (r *Registry) GetAll() []*Descriptor {
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get returns the tool registered under name, accepting the alias form.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.tools[StripAlias(name)]
	return d, ok
}

// Enabled reports whether toolbox is enabled by configuration.
func (r *Registry) Enabled(toolbox string) bool {
	return r.enabled[toolbox]
}

// FilterByName returns the tools named, in request order. Unknown names
// are skipped.
func (r *Registry) FilterByName(names []string) []*Descriptor {
	out := make([]*Descriptor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		d, ok := r.Get(name)
		if !ok || seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

// Toolboxes lists every toolbox.
func (r *Registry) Toolboxes() []ToolboxInfo {
	out := make([]ToolboxInfo, 0, len(r.toolboxes))
	for _, box := range r.toolboxes {
		out = append(out, r.info(box))
	}
	return out
}

// EnabledToolboxes lists the toolboxes enabled by configuration.
func (r *Registry) EnabledToolboxes() []ToolboxInfo {
	var out []ToolboxInfo
	for _, box := range r.toolboxes {
		if r.enabled[box.Name] {
			out = append(out, r.info(box))
		}
	}
	return out
}

// SearchToolboxes returns toolboxes whose name, description or tool names
// contain query, case-insensitively. An empty query matches everything.
func (r *Registry) SearchToolboxes(query string) []ToolboxInfo {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []ToolboxInfo
	for _, box := range r.toolboxes {
		if q == "" || matchesToolbox(box, q) {
			out = append(out, r.info(box))
		}
	}
	return out
}

func matchesToolbox(box *Toolbox, q string) bool {
	if strings.Contains(strings.ToLower(box.Name), q) ||
		strings.Contains(strings.ToLower(box.Description), q) {
		return true
	}
	for _, d := range box.Tools {
		if strings.Contains(strings.ToLower(d.Name), q) ||
			strings.Contains(strings.ToLower(d.Description), q) {
			return true
		}
	}
	return false
}

func (r *Registry) info(box *Toolbox) ToolboxInfo {
	names := make([]string, 0, len(box.Tools))
	for _, d := range box.Tools {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return ToolboxInfo{
		Name:        box.Name,
		Description: box.Description,
		Enabled:     r.enabled[box.Name],
		Tools:       names,
	}
}
