package realtime

import (
	"sync"
)

// RoomIndex tracks which connections are joined to which rooms. It stores
// connection ids, not user ids, because fanout has to reach specific
// connections.
type RoomIndex struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // roomID -> set of connID
	conns    map[string]map[string]struct{} // connID -> set of roomID
	personal map[string]string              // connID -> personal room id
}

// NewRoomIndex creates an empty index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		rooms:    make(map[string]map[string]struct{}),
		conns:    make(map[string]map[string]struct{}),
		personal: make(map[string]string),
	}
}

// Join adds connID to roomID. It reports whether membership changed.
func (ri *RoomIndex) Join(connID, roomID string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.joinLocked(connID, roomID)
}

// JoinPersonal joins connID to the personal room named after its user.
// A connection gets exactly one personal room; later calls are no-ops.
// Connections of other users found in the room are removed and returned.
func (ri *RoomIndex) JoinPersonal(connID, userID string) (joined bool, evicted []string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	if _, ok := ri.personal[connID]; ok {
		return false, nil
	}
	for _, member := range sortedKeys(ri.rooms[userID]) {
		if ri.personal[member] != userID {
			ri.leaveLocked(member, userID)
			evicted = append(evicted, member)
		}
	}
	ri.personal[connID] = userID
	return ri.joinLocked(connID, userID), evicted
}

// isPersonal reports whether roomID is currently some connection's
// personal room.
func (ri *RoomIndex) isPersonal(roomID string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	for connID := range ri.rooms[roomID] {
		if ri.personal[connID] == roomID {
			return true
		}
	}
	return false
}

// Leave removes connID from roomID. Personal rooms cannot be left
// explicitly; they are cleaned up by LeaveAll.
func (ri *RoomIndex) Leave(connID, roomID string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	if ri.personal[connID] == roomID {
		return false
	}
	return ri.leaveLocked(connID, roomID)
}

// LeaveAll removes connID from every room, including its personal room,
// and returns the rooms it left.
func (ri *RoomIndex) LeaveAll(connID string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	left := sortedKeys(ri.conns[connID])
	for _, roomID := range left {
		ri.leaveLocked(connID, roomID)
	}
	delete(ri.personal, connID)
	return left
}

// MembersOf returns a sorted snapshot of the connections joined to roomID.
func (ri *RoomIndex) MembersOf(roomID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return sortedKeys(ri.rooms[roomID])
}

// RoomsOf returns the rooms connID belongs to.
func (ri *RoomIndex) RoomsOf(connID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return sortedKeys(ri.conns[connID])
}

// IsMember reports whether connID is joined to roomID.
func (ri *RoomIndex) IsMember(connID, roomID string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.rooms[roomID][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (ri *RoomIndex) RoomCount() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}

// MembershipCount returns the total number of (room, connection) pairs.
func (ri *RoomIndex) MembershipCount() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	total := 0
	for _, members := range ri.rooms {
		total += len(members)
	}
	return total
}

func (ri *RoomIndex) joinLocked(connID, roomID string) bool {
	members, ok := ri.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		ri.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := ri.conns[connID]
	if !ok {
		joined = make(map[string]struct{})
		ri.conns[connID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

func (ri *RoomIndex) leaveLocked(connID, roomID string) bool {
	members, ok := ri.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(ri.rooms, roomID)
	}

	if joined, ok := ri.conns[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(ri.conns, connID)
		}
	}
	return true
}
