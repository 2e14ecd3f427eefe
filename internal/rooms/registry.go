// Package rooms tracks which display names are present in which room.
//
// A Registry is not safe for concurrent use. It is owned by the hub's event
// loop and only ever touched from that goroutine.
package rooms

import "github.com/samber/lo"

// Registry maps a room id to the ordered set of display names currently in it.
// Membership is keyed by name, so two connections sharing a name share one entry.
type Registry struct {
	rooms map[string][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string][]string)}
}

// Ensure creates the room with no members if it does not exist yet.
func (r *Registry) Ensure(roomID string) {
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = []string{}
	}
}

// Has reports whether the room key exists, even with no members.
func (r *Registry) Has(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

// AddMember inserts userName into the room, creating the room if needed.
// Adding a name that is already present is a no-op.
func (r *Registry) AddMember(roomID, userName string) {
	r.Ensure(roomID)
	if lo.Contains(r.rooms[roomID], userName) {
		return
	}
	r.rooms[roomID] = append(r.rooms[roomID], userName)
}

// RemoveMember deletes userName from the room. Unknown rooms and names are ignored.
// It reports whether a name was removed.
func (r *Registry) RemoveMember(roomID, userName string) bool {
	members, ok := r.rooms[roomID]
	if !ok || !lo.Contains(members, userName) {
		return false
	}
	r.rooms[roomID] = lo.Without(members, userName)
	return true
}

// MembersOf returns a copy of the room's members in insertion order.
// Unknown rooms yield an empty, non-nil slice.
func (r *Registry) MembersOf(roomID string) []string {
	members := r.rooms[roomID]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Prune removes the room key if it has no members left and reports whether it did.
func (r *Registry) Prune(roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok || len(members) > 0 {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

// Rooms returns a snapshot of every room and its members.
func (r *Registry) Rooms() map[string][]string {
	return lo.MapValues(r.rooms, func(members []string, _ string) []string {
		out := make([]string, len(members))
		copy(out, members)
		return out
	})
}

// Len returns the number of known rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}
