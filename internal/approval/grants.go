// ABOUTME: Process-lifetime permission cache of (agent, resource) pairs.
// ABOUTME: Grants are added on approval and never revoked in-process.

package approval

import "sync"

type grantKey struct {
	agentID  string
	resource string
}

// GrantSet records which agents may act on which resources without asking.
type GrantSet struct {
	mu     sync.RWMutex
	grants map[grantKey]struct{}
}

// NewGrantSet creates an empty GrantSet.
func NewGrantSet() *GrantSet {
	return &GrantSet{grants: make(map[grantKey]struct{})}
}

// Has reports whether agentID holds a grant for resource.
func (g *GrantSet) Has(agentID, resource string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.grants[grantKey{agentID, resource}]
	return ok
}

// Grant records a grant. Granting twice is a no-op.
func (g *GrantSet) Grant(agentID, resource string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[grantKey{agentID, resource}] = struct{}{}
}

// Len returns the number of grants held.
func (g *GrantSet) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.grants)
}
