package capro

import (
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

// AccessTable is the broker's capability gate: a coarse (service,
// instance) deny-list consulted on every SUB before a match is attempted.
// The zero value denies nothing.
type AccessTable struct {
	mu     sync.RWMutex
	denied map[protocol.ID]map[protocol.ID]bool
}

// NewAccessTable returns an AccessTable that allows every subscription
// until Deny is called.
func NewAccessTable() *AccessTable {
	return &AccessTable{denied: make(map[protocol.ID]map[protocol.ID]bool)}
}

// Deny blocks subscriptions to desc's (service, instance) pair. The event
// component and class of service are ignored: access control operates at
// the instance granularity.
func (a *AccessTable) Deny(desc protocol.ServiceDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	instances, ok := a.denied[desc.Service]
	if !ok {
		instances = make(map[protocol.ID]bool)
		a.denied[desc.Service] = instances
	}
	instances[desc.Instance] = true
}

// Allow reverses a prior Deny for desc's (service, instance) pair.
func (a *AccessTable) Allow(desc protocol.ServiceDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if instances, ok := a.denied[desc.Service]; ok {
		delete(instances, desc.Instance)
	}
}

// IsAllowed reports whether a subscription query is permitted. Only fully
// concrete queries are checked against the deny entries. A query with a
// wildcard service or instance is always allowed, even when a denied
// (service, instance) pair is among those it matches.
func (a *AccessTable) IsAllowed(query protocol.ServiceDescriptor) bool {
	if query.Service.IsWildcard() || query.Instance.IsWildcard() {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	instances, ok := a.denied[query.Service]
	if !ok {
		return true
	}
	return !instances[query.Instance]
}
