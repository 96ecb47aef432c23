// Package state owns the two pieces of shared mutable state in the fanout
// service: the connection registry (open connections, plus the binding from
// authenticated identity to connection) and the room membership table. All
// mutation goes through the Manager; a single RWMutex covers both structures
// so join/leave transitions and the broadcasts derived from them observe a
// consistent view.
package state

import (
	"sort"
	"sync"

	"syncwave/internal/types"
	"syncwave/pkg/protocol"
)

type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*types.Client // every open connection, by connection id
	byUser   map[string]*types.Client // authenticated identity -> connection
	rooms    map[string]map[string]protocol.Member
	userRoom map[string]string // invariant: userRoom[u] == r iff rooms[r][u] exists
}

func NewManager() *Manager {
	return &Manager{
		clients:  make(map[string]*types.Client),
		byUser:   make(map[string]*types.Client),
		rooms:    make(map[string]map[string]protocol.Member),
		userRoom: make(map[string]string),
	}
}

// AddClient tracks a newly accepted connection before it has an identity.
func (m *Manager) AddClient(c *types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ConnID] = c
}

// RemoveClient drops the connection from tracking. It is a no-op if another
// connection has since been stored under the same id.
func (m *Manager) RemoveClient(c *types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.clients[c.ConnID]; ok && cur == c {
		delete(m.clients, c.ConnID)
	}
}

// Clients returns a snapshot of every open connection; the liveness monitor
// sweeps over it each cycle.
func (m *Manager) Clients() []*types.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// Register binds an identity to a connection, replacing any prior binding
// for the same identity (last writer wins). The prior connection is not
// closed here; its own disconnect path handles that.
func (m *Manager) Register(userID string, c *types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[userID] = c
}

// Unregister removes the identity binding, but only if it still points at
// the given connection. A stale connection unregistering after it has been
// replaced must not evict its successor.
func (m *Manager) Unregister(userID string, c *types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byUser[userID]; ok && cur == c {
		delete(m.byUser, userID)
	}
}

// Lookup resolves an identity to its current connection.
func (m *Manager) Lookup(userID string) (*types.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[userID]
	return c, ok
}

// Join inserts the member into the room, creating the room if absent. A user
// is in at most one room at a time: if the member was present elsewhere, the
// old entry is removed and the old room id returned so the caller can
// announce the departure there.
func (m *Manager) Join(roomID string, member protocol.Member) (prevRoom string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.userRoom[member.UserID]; ok && prev != roomID {
		prevRoom = prev
		m.removeMember(prev, member.UserID)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[string]protocol.Member)
		m.rooms[roomID] = room
	}
	room[member.UserID] = member
	m.userRoom[member.UserID] = roomID
	return prevRoom
}

// Leave removes the user's entry from the room and reports the removed
// member. The room itself is deleted once its member set becomes empty, so
// a room id exists in the table iff its member count is positive.
func (m *Manager) Leave(roomID, userID string) (protocol.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return protocol.Member{}, false
	}
	member, ok := room[userID]
	if !ok {
		return protocol.Member{}, false
	}
	m.removeMember(roomID, userID)
	return member, true
}

// removeMember must be called with the lock held.
func (m *Manager) removeMember(roomID, userID string) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(m.rooms, roomID)
	}
	if cur, ok := m.userRoom[userID]; ok && cur == roomID {
		delete(m.userRoom, userID)
	}
}

// Members returns a copy of the room's member entries ordered by join time,
// then user id. The copy never aliases internal state, so callers can fan
// out from it while joins and leaves continue.
func (m *Manager) Members(roomID string) []protocol.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]protocol.Member, 0, len(room))
	for _, member := range room {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// RoomOf reports which room the user currently occupies.
func (m *Manager) RoomOf(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.userRoom[userID]
	return roomID, ok
}

// HasRoom reports whether the room currently exists (i.e. has members).
func (m *Manager) HasRoom(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// Rooms lists every live room for the introspection API, sorted by id.
func (m *Manager) Rooms() []types.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.RoomInfo, 0, len(m.rooms))
	for roomID, room := range m.rooms {
		info := types.RoomInfo{RoomID: roomID, MemberCount: len(room)}
		for _, member := range room {
			if info.OldestJoin.IsZero() || member.JoinedAt.Before(info.OldestJoin) {
				info.OldestJoin = member.JoinedAt
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.ServerStats{
		Connections: len(m.clients),
		JoinedUsers: len(m.userRoom),
		Rooms:       len(m.rooms),
	}
	for _, room := range m.rooms {
		stats.RoomMembers += len(room)
	}
	for _, c := range m.clients {
		stats.DroppedFrames += c.Dropped()
	}
	return stats
}
