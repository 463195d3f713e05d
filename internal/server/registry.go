package server

import "sync"

// RoomRegistry holds the room memberships of sessions connected to this
// instance. It is local by design: remote members are reached through
// the cluster relay, never tracked here.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Join adds c to roomId. It is idempotent; the first return reports
// whether the membership is new, the second whether the room itself was
// created by this join.
func (r *RoomRegistry) Join(roomId string, c *Client) (joined, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[roomId] = members
		created = true
	}

	if _, ok := members[c]; ok {
		return false, created
	}

	members[c] = struct{}{}
	return true, created
}

// Leave removes c from roomId. The first return reports whether c was a
// member, the second whether the room emptied and was dropped.
func (r *RoomRegistry) Leave(roomId string, c *Client) (left, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		return false, false
	}
	if _, ok := members[c]; !ok {
		return false, false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, roomId)
		emptied = true
	}

	return true, emptied
}

// Members returns the sessions currently joined to roomId on this
// instance.
func (r *RoomRegistry) Members(roomId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		members = append(members, c)
	}

	return members
}

// Count returns the number of rooms with at least one local member.
func (r *RoomRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}
