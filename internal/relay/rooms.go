// Package relay groups connections into named rooms for event fan-out.
package relay

// roomSet maps room keys to member connection ids, with a reverse index so
// a disconnecting connection can leave everything it joined. Rooms are
// created implicitly on first join and discarded when the last member
// leaves. It is not safe for concurrent use; the hub run loop owns it.
type roomSet struct {
	members map[string]map[string]struct{}
	joined  map[string]map[string]struct{}
}

func newRoomSet() *roomSet {
	return &roomSet{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// join adds connID to roomKey. Joining a room twice is a no-op.
func (r *roomSet) join(connID, roomKey string) {
	room, ok := r.members[roomKey]
	if !ok {
		room = make(map[string]struct{})
		r.members[roomKey] = room
	}
	room[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connID] = rooms
	}
	rooms[roomKey] = struct{}{}
}

// leave removes connID from roomKey. Leaving a room the connection is not
// in is a no-op.
func (r *roomSet) leave(connID, roomKey string) {
	if room, ok := r.members[roomKey]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.members, roomKey)
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomKey)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// leaveAll removes connID from every room it joined.
func (r *roomSet) leaveAll(connID string) {
	for roomKey := range r.joined[connID] {
		if room, ok := r.members[roomKey]; ok {
			delete(room, connID)
			if len(room) == 0 {
				delete(r.members, roomKey)
			}
		}
	}
	delete(r.joined, connID)
}

// roomMembers returns the member connection ids of roomKey.
func (r *roomSet) roomMembers(roomKey string) []string {
	room := r.members[roomKey]
	if len(room) == 0 {
		return nil
	}
	ids := make([]string, 0, len(room))
	for connID := range room {
		ids = append(ids, connID)
	}
	return ids
}
