// ABOUTME: Round-robin selection over the agent pool for "any agent" delivery.
// ABOUTME: Rotates the starting point so load spreads across live agents.

package registry

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Selector picks agents using a round-robin strategy.
type Selector struct {
	current uint64
}

// NewSelector creates a new Selector.
func NewSelector() *Selector {
	return &Selector{}
}

// SelectAgent picks an agent from the pool.
// Returns ErrNoAgentsAvailable if the pool is empty.
func (s *Selector) SelectAgent(agents []*Connection) (*Connection, error) {
	order, err := s.Order(agents)
	if err != nil {
		return nil, err
	}
	return order[0], nil
}

// Order returns the pool rotated to start at the next round-robin pick, so
// callers can fall through to the remaining agents on failure.
func (s *Selector) Order(agents []*Connection) ([]*Connection, error) {
	n := len(agents)
	if n == 0 {
		return nil, ErrNoAgentsAvailable
	}
	start := int((atomic.AddUint64(&s.current, 1) - 1) % uint64(n))
	out := make([]*Connection, 0, n)
	out = append(out, agents[start:]...)
	out = append(out, agents[:start]...)
	return out, nil
}
