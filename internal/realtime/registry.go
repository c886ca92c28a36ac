/*
File: internal/realtime/registry.go
Description: The connection registry. Connections and groups live in two
id-keyed tables that reference each other only by ID, so there are no
pointer cycles to untangle on disconnect.
*/
package realtime

import (
	"fmt"
	"sync"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

type connectionEntry struct {
	identity delivery.Identity
	groups   map[string]struct{}
}

// RegistryStats is a point-in-time summary of the registry.
type RegistryStats struct {
	Connections int
	Groups      int
	Identities  int
}

// Registry tracks which live connections belong to which identity and to
// which broadcast groups. All mutations happen under one exclusive lock;
// no I/O is ever performed while it is held.
type Registry struct {
	mu      sync.RWMutex
	conns   map[delivery.ConnectionID]*connectionEntry
	groups  map[string]map[delivery.ConnectionID]struct{}
	metrics *metrics.Collectors
}

// NewRegistry creates an empty registry. collectors may be nil.
func NewRegistry(collectors *metrics.Collectors) *Registry {
	return &Registry{
		conns:   make(map[delivery.ConnectionID]*connectionEntry),
		groups:  make(map[string]map[delivery.ConnectionID]struct{}),
		metrics: collectors,
	}
}

// Register admits a new connection. When identity is non-empty the
// connection joins the identity's user group in the same critical section.
func (r *Registry) Register(connID delivery.ConnectionID, identity delivery.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return fmt.Errorf("register %s: %w", connID, delivery.ErrDuplicateConnection)
	}
	entry := &connectionEntry{
		identity: identity,
		groups:   make(map[string]struct{}),
	}
	r.conns[connID] = entry
	if identity != "" {
		r.joinLocked(connID, entry, delivery.UserGroup(identity))
	}
	r.observeLocked()
	return nil
}

// Unregister removes a connection from every group and discards it.
// Unknown IDs are ignored so duplicate disconnect signals are harmless.
func (r *Registry) Unregister(connID delivery.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	for group := range entry.groups {
		r.removeMemberLocked(group, connID)
	}
	delete(r.conns, connID)
	r.observeLocked()
}

// JoinGroup adds a registered connection to a group.
func (r *Registry) JoinGroup(connID delivery.ConnectionID, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("join %s to %s: %w", connID, group, delivery.ErrUnknownConnection)
	}
	if owner, isUser := delivery.IsUserGroup(group); isUser && owner != entry.identity {
		return fmt.Errorf("join %s to %s: %w", connID, group, delivery.ErrForeignUserGroup)
	}
	r.joinLocked(connID, entry, group)
	r.observeLocked()
	return nil
}

// LeaveGroup removes a connection from a group. It is idempotent. A
// connection never leaves its own identity's user group this way; that
// membership ends only with Unregister.
func (r *Registry) LeaveGroup(connID delivery.ConnectionID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	if entry.identity != "" && group == delivery.UserGroup(entry.identity) {
		return
	}
	if _, member := entry.groups[group]; !member {
		return
	}
	delete(entry.groups, group)
	r.removeMemberLocked(group, connID)
	r.observeLocked()
}

// MembersOf returns a snapshot of a group's members. Callers must tolerate
// members disconnecting after the snapshot is taken.
func (r *Registry) MembersOf(group string) []delivery.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	out := make([]delivery.ConnectionID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// ConnectionsOf returns a snapshot of an identity's live connections.
func (r *Registry) ConnectionsOf(identity delivery.Identity) []delivery.ConnectionID {
	return r.MembersOf(delivery.UserGroup(identity))
}

// GroupsOf returns the groups a connection currently belongs to.
func (r *Registry) GroupsOf(connID delivery.ConnectionID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("groups of %s: %w", connID, delivery.ErrUnknownConnection)
	}
	out := make([]string, 0, len(entry.groups))
	for g := range entry.groups {
		out = append(out, g)
	}
	return out, nil
}

// IdentityOf returns the identity bound to a connection.
func (r *Registry) IdentityOf(connID delivery.ConnectionID) (delivery.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return entry.identity, true
}

// Stats returns counts of connections, groups and online identities.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *Registry) joinLocked(connID delivery.ConnectionID, entry *connectionEntry, group string) {
	entry.groups[group] = struct{}{}
	members, ok := r.groups[group]
	if !ok {
		members = make(map[delivery.ConnectionID]struct{})
		r.groups[group] = members
	}
	members[connID] = struct{}{}
}

// removeMemberLocked drops connID from a group, deleting the group once empty.
func (r *Registry) removeMemberLocked(group string, connID delivery.ConnectionID) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

func (r *Registry) statsLocked() RegistryStats {
	stats := RegistryStats{
		Connections: len(r.conns),
		Groups:      len(r.groups),
	}
	for group := range r.groups {
		if _, ok := delivery.IsUserGroup(group); ok {
			stats.Identities++
		}
	}
	return stats
}

func (r *Registry) observeLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.LiveConnections.Set(float64(len(r.conns)))
	r.metrics.LiveGroups.Set(float64(len(r.groups)))
}
