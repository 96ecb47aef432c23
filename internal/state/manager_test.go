package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncwave/internal/state"
	"syncwave/internal/types"
	"syncwave/pkg/protocol"
)

func newClient(id string) *types.Client {
	return types.NewClient(context.Background(), nil, id, 8)
}

func member(userID string) protocol.Member {
	return protocol.Member{UserID: userID, DisplayName: userID, JoinedAt: time.Now()}
}

func TestJoinLeave_MembershipTracksOperations(t *testing.T) {
	m := state.NewManager()

	m.Join("r1", member("alice"))
	m.Join("r1", member("bob"))
	m.Join("r1", member("carol"))
	_, ok := m.Leave("r1", "bob")
	require.True(t, ok)

	members := m.Members("r1")
	require.Len(t, members, 2)
	ids := []string{members[0].UserID, members[1].UserID}
	assert.ElementsMatch(t, []string{"alice", "carol"}, ids)
}

func TestRoomExistsIffNonEmpty(t *testing.T) {
	m := state.NewManager()

	assert.False(t, m.HasRoom("r1"))
	m.Join("r1", member("alice"))
	assert.True(t, m.HasRoom("r1"))

	_, ok := m.Leave("r1", "alice")
	require.True(t, ok)
	assert.False(t, m.HasRoom("r1"), "room must be gone once its last member leaves")
	assert.Nil(t, m.Members("r1"))
}

func TestLeave_UnknownRoomOrUser(t *testing.T) {
	m := state.NewManager()
	_, ok := m.Leave("nowhere", "alice")
	assert.False(t, ok)

	m.Join("r1", member("alice"))
	_, ok = m.Leave("r1", "bob")
	assert.False(t, ok)
	assert.True(t, m.HasRoom("r1"))
}

func TestJoin_AutoLeavesPreviousRoom(t *testing.T) {
	m := state.NewManager()

	prev := m.Join("a", member("alice"))
	assert.Empty(t, prev)

	prev = m.Join("b", member("alice"))
	assert.Equal(t, "a", prev)

	assert.False(t, m.HasRoom("a"), "old room had only alice, should be gone")
	require.Len(t, m.Members("b"), 1)

	roomID, ok := m.RoomOf("alice")
	require.True(t, ok)
	assert.Equal(t, "b", roomID)
}

func TestJoin_SameRoomTwiceKeepsSingleEntry(t *testing.T) {
	m := state.NewManager()
	m.Join("r1", member("alice"))
	prev := m.Join("r1", member("alice"))
	assert.Empty(t, prev)
	assert.Len(t, m.Members("r1"), 1)
}

func TestMembers_SnapshotDoesNotAliasState(t *testing.T) {
	m := state.NewManager()
	m.Join("r1", member("alice"))
	m.Join("r1", member("bob"))

	snapshot := m.Members("r1")
	_, ok := m.Leave("r1", "alice")
	require.True(t, ok)

	assert.Len(t, snapshot, 2, "snapshot taken before the leave must be unchanged")
	assert.Len(t, m.Members("r1"), 1)
}

func TestMembers_OrderedByJoinTime(t *testing.T) {
	m := state.NewManager()
	base := time.Now()
	m.Join("r1", protocol.Member{UserID: "late", JoinedAt: base.Add(time.Second)})
	m.Join("r1", protocol.Member{UserID: "early", JoinedAt: base})

	members := m.Members("r1")
	require.Len(t, members, 2)
	assert.Equal(t, "early", members[0].UserID)
	assert.Equal(t, "late", members[1].UserID)
}

func TestRegistry_LastWriterWins(t *testing.T) {
	m := state.NewManager()
	c1 := newClient("conn-1")
	c2 := newClient("conn-2")

	m.Register("alice", c1)
	m.Register("alice", c2)

	got, ok := m.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, c2, got)

	// The replaced connection unregistering must not evict its successor.
	m.Unregister("alice", c1)
	got, ok = m.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, c2, got)

	m.Unregister("alice", c2)
	_, ok = m.Lookup("alice")
	assert.False(t, ok)
}

func TestUnregister_MissingIdentityIsNoop(t *testing.T) {
	m := state.NewManager()
	m.Unregister("ghost", newClient("conn-1"))
}

func TestClients_TrackedUntilRemoved(t *testing.T) {
	m := state.NewManager()
	c := newClient("conn-1")

	m.AddClient(c)
	assert.Len(t, m.Clients(), 1)

	m.RemoveClient(c)
	assert.Empty(t, m.Clients())

	// Removing again is harmless.
	m.RemoveClient(c)
}

func TestRoomsAndStats(t *testing.T) {
	m := state.NewManager()
	c := newClient("conn-1")
	m.AddClient(c)
	m.Register("alice", c)
	m.Join("r1", member("alice"))
	m.Join("r2", member("bob"))
	m.Join("r2", member("carol"))

	rooms := m.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "r1", rooms[0].RoomID)
	assert.Equal(t, 1, rooms[0].MemberCount)
	assert.Equal(t, 2, rooms[1].MemberCount)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 3, stats.RoomMembers)
}
