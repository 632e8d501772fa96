// Package room implements the per-namespace room index: a room-id to
// socket-id set mapping with safe mutation under concurrent join/leave/
// disconnect, grounded on the teacher's SubscriptionIndex/SubscriptionSet
// (ws/internal/shared/connection.go), generalized from channel subscription
// to room membership.
package room

import "sync"

// Index maps room ids to the set of member socket ids belonging to a single
// namespace. A room entry exists iff it has at least one member (spec §3);
// it is deleted the moment its last member leaves.
//
// Exclusive writer per (namespace, room): all mutating calls take the same
// mutex, so join/leave/cleanup never race each other. Readers (Members)
// take a shallow copy so that iteration during fan-out survives concurrent
// leaves — the same copy-on-read discipline the teacher applies to
// subscriber lists before a broadcast loop.
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func New() *Index {
	return &Index{rooms: make(map[string]map[string]struct{})}
}

// Join adds socketID to room. Idempotent: joining an already-joined room is
// a no-op (spec §4.3).
func (idx *Index) Join(room, socketID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	members, ok := idx.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		idx.rooms[room] = members
	}
	members[socketID] = struct{}{}
}

// Leave removes socketID from room, deleting the room entry if it becomes
// empty. Leaving a room the socket isn't in is a silent no-op (spec §4.3).
func (idx *Index) Leave(room, socketID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	members, ok := idx.rooms[room]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(idx.rooms, room)
	}
}

// LeaveAll removes socketID from each of the given rooms, deleting any room
// left empty, used on disconnect cleanup (spec §4.6). Rooms in the list that
// do not exist are skipped.
func (idx *Index) LeaveAll(socketID string, rooms []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, r := range rooms {
		members, ok := idx.rooms[r]
		if !ok {
			continue
		}
		delete(members, socketID)
		if len(members) == 0 {
			delete(idx.rooms, r)
		}
	}
}

// Members returns a snapshot slice of the socket ids currently in room.
// Broadcast to a non-existent or empty room returns an empty (nil) slice —
// a silent no-op at the call site, never an error (spec §3, §4.4).
func (idx *Index) Members(room string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	members, ok := idx.rooms[room]
	if !ok || len(members) == 0 {
		return nil
	}

	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Has reports whether socketID is currently a member of room.
func (idx *Index) Has(room, socketID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	members, ok := idx.rooms[room]
	if !ok {
		return false
	}
	_, in := members[socketID]
	return in
}

// RoomCount reports how many non-empty rooms currently exist, for metrics.
func (idx *Index) RoomCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rooms)
}
