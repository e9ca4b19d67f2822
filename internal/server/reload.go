package server

import (
	"sync"

	"github.com/ubnt-mirror/sni-proxy/internal/policy"
	"github.com/ubnt-mirror/sni-proxy/internal/routes"
)

// RouteStore holds a hot-swappable route table behind a read-write lock so
// SIGHUP can rebuild the table from ROUTES_FILE without dropping live
// connections.
type RouteStore struct {
	mu    sync.RWMutex
	table *routes.Table
}

// NewRouteStore wraps an initial table for hot-swapping.
func NewRouteStore(t *routes.Table) *RouteStore {
	return &RouteStore{table: t}
}

// Lookup satisfies handler.RouteLookup.
func (s *RouteStore) Lookup(sni string) (routes.Upstream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Lookup(sni)
}

// Hostnames returns the live table's configured hostnames, for the
// sidecar's allowedDomains field.
func (s *RouteStore) Hostnames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Hostnames()
}

// Swap atomically replaces the live table.
func (s *RouteStore) Swap(t *routes.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

// PolicyStore holds a hot-swappable allow-list the same way.
type PolicyStore struct {
	mu     sync.RWMutex
	policy *policy.AddressPolicy
}

// NewPolicyStore wraps an initial policy for hot-swapping.
func NewPolicyStore(p *policy.AddressPolicy) *PolicyStore {
	return &PolicyStore{policy: p}
}

// IsAllowed satisfies handler.AddressChecker.
func (s *PolicyStore) IsAllowed(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.IsAllowed(addr)
}

// Rules returns the live policy's accepted rule text, for the sidecar's
// ipFilterRules field.
func (s *PolicyStore) Rules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Rules()
}

// Describe returns a short human summary of the live policy.
func (s *PolicyStore) Describe() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Describe()
}

// InvalidEntries returns the allow-list entries the live policy dropped
// during parsing, for startup and reload warnings.
func (s *PolicyStore) InvalidEntries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.InvalidEntries()
}

// Swap atomically replaces the live policy.
func (s *PolicyStore) Swap(p *policy.AddressPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}
