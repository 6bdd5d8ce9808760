package client

import "sync"

// Registry tracks active connections keyed by client group so the
// viewsyncer service can reach every connected client of a group
// without threading connection pointers through its own state.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Connection]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with its client group.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := c.GroupID()
	if r.groups[group] == nil {
		r.groups[group] = make(map[*Connection]struct{})
	}
	r.groups[group][c] = struct{}{}
	registryConnections.WithLabelValues(group).Set(float64(len(r.groups[group])))
}

// Unregister removes the connection from its client group.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := c.GroupID()
	conns := r.groups[group]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.groups, group)
	}
	registryConnections.WithLabelValues(group).Set(float64(len(conns)))
}

// Connections returns a snapshot of every connection currently
// registered for a group.
func (r *Registry) Connections(groupID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.groups[groupID]
	out := make([]*Connection, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// ByClientID returns the connection currently registered for a
// clientID within a group, if any. Used to close a prior handler when
// the same client reconnects with a new epoch.
func (r *Registry) ByClientID(groupID, clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.groups[groupID] {
		if c.ClientID() == clientID {
			return c, true
		}
	}
	return nil, false
}

// Count returns the number of connections registered for a group.
func (r *Registry) Count(groupID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[groupID])
}
