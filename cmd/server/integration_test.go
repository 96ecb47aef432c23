package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncwave/internal/auth"
	"syncwave/internal/types"
	"syncwave/pkg/client"
	"syncwave/pkg/protocol"
)

// eventSink funnels every callback into one channel so tests can await
// specific envelope types in order.
type eventSink struct {
	client.DefaultEventHandler
	events chan any
}

func newEventSink() *eventSink {
	return &eventSink{events: make(chan any, 64)}
}

func (s *eventSink) OnRoomState(v protocol.RoomState)       { s.events <- v }
func (s *eventSink) OnUserJoined(v protocol.UserJoined)     { s.events <- v }
func (s *eventSink) OnUserLeft(v protocol.UserLeft)         { s.events <- v }
func (s *eventSink) OnChatMessage(v protocol.ChatMessage)   { s.events <- v }
func (s *eventSink) OnMediaControl(v protocol.MediaControl) { s.events <- v }
func (s *eventSink) OnHeartbeat(v protocol.Heartbeat)       { s.events <- v }
func (s *eventSink) OnError(code, message string) {
	s.events <- protocol.ErrorEnvelope{Kind: protocol.KindError, Code: code, Message: message}
}

// await returns the next event of type T, discarding events of other types.
func await[T any](t *testing.T, sink *eventSink) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sink.events:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func mintToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.Sign([]byte(testSecret), userID, name, time.Minute)
	require.NoError(t, err)
	return token
}

func connect(t *testing.T, wsURL string) (*client.Client, *eventSink) {
	t.Helper()
	sink := newEventSink()
	c := client.New(client.Config{ServerURL: wsURL})
	c.SetEventHandler(sink)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	go func() { _ = c.Listen(context.Background()) }()
	return c, sink
}

func TestEndToEnd_ChatAndAbruptDisconnect(t *testing.T) {
	srv, wsURL := newTestServer(t)
	ctx := context.Background()

	alice, aliceSink := connect(t, wsURL)
	require.NoError(t, alice.JoinRoom(ctx, "r1", mintToken(t, "alice", "Alice")))
	aliceState := await[protocol.RoomState](t, aliceSink)
	require.Len(t, aliceState.Members, 1)
	assert.Equal(t, "alice", aliceState.Members[0].UserID, "joiner appears in its own snapshot")

	bob, bobSink := connect(t, wsURL)
	require.NoError(t, bob.JoinRoom(ctx, "r1", mintToken(t, "bob", "Bob")))
	bobState := await[protocol.RoomState](t, bobSink)
	assert.Len(t, bobState.Members, 2)

	joined := await[protocol.UserJoined](t, aliceSink)
	assert.Equal(t, "bob", joined.UserID)

	require.NoError(t, alice.SendChat(ctx, "r1", "hi"))
	chat := await[protocol.ChatMessage](t, bobSink)
	assert.Equal(t, "hi", chat.Text)
	assert.Equal(t, "alice", chat.SenderID)
	assert.NotEmpty(t, chat.MessageID)
	assert.True(t, chat.Timestamp.After(aliceState.Timestamp), "chat timestamp follows alice's join")
	assert.True(t, chat.Timestamp.After(bobState.Timestamp), "chat timestamp follows bob's join")

	// Abrupt close, no leave_room first.
	require.NoError(t, alice.Close())
	left := await[protocol.UserLeft](t, bobSink)
	assert.Equal(t, "alice", left.UserID)

	assert.Eventually(t, func() bool {
		members := srv.state.Members("r1")
		return len(members) == 1 && members[0].UserID == "bob"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestJoin_InvalidTokenRejected(t *testing.T) {
	srv, wsURL := newTestServer(t)
	ctx := context.Background()

	c, sink := connect(t, wsURL)
	require.NoError(t, c.JoinRoom(ctx, "r1", "garbage-token"))

	errEnv := await[protocol.ErrorEnvelope](t, sink)
	assert.Equal(t, protocol.CodeJoinRoomFailed, errEnv.Code)
	assert.False(t, srv.state.HasRoom("r1"))
}

func TestMediaControl_RelayedToOtherMember(t *testing.T) {
	_, wsURL := newTestServer(t)
	ctx := context.Background()

	alice, aliceSink := connect(t, wsURL)
	require.NoError(t, alice.JoinRoom(ctx, "r1", mintToken(t, "alice", "Alice")))
	await[protocol.RoomState](t, aliceSink)

	bob, bobSink := connect(t, wsURL)
	require.NoError(t, bob.JoinRoom(ctx, "r1", mintToken(t, "bob", "Bob")))
	await[protocol.RoomState](t, bobSink)

	require.NoError(t, alice.SendMediaControl(ctx, "r1", protocol.ActionSeek, map[string]any{"position": 17.0}))
	media := await[protocol.MediaControl](t, bobSink)
	assert.Equal(t, protocol.ActionSeek, media.Action)
	assert.Equal(t, "alice", media.SenderID)
	assert.Equal(t, 17.0, media.Payload["position"])
}

func TestUnknownKind_EchoedToSenderOnly(t *testing.T) {
	_, wsURL := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	joinFrame := fmt.Sprintf(`{"kind":"join_room","roomId":"r1","credential":%q}`, mintToken(t, "alice", "Alice"))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(joinFrame)))

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var probe struct {
		Kind protocol.Kind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(raw, &probe))
	require.Equal(t, protocol.KindRoomState, probe.Kind)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"kind":"mystery"}`)))
	_, raw, err = conn.Read(ctx)
	require.NoError(t, err)
	var errEnv protocol.ErrorEnvelope
	require.NoError(t, json.Unmarshal(raw, &errEnv))
	assert.Equal(t, protocol.KindError, errEnv.Kind)
	assert.Equal(t, protocol.CodeUnknownMessageType, errEnv.Code)
}

func TestShutdown_ClosesConnectionsWithGoingAway(t *testing.T) {
	srv, wsURL := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	joinFrame := fmt.Sprintf(`{"kind":"join_room","roomId":"r1","credential":%q}`, mintToken(t, "alice", "Alice"))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(joinFrame)))
	_, _, err = conn.Read(ctx) // room_state
	require.NoError(t, err)

	srv.Shutdown()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestRoomsEndpoint_ReflectsMembership(t *testing.T) {
	srv, wsURL := newTestServer(t)
	ctx := context.Background()

	alice, aliceSink := connect(t, wsURL)
	require.NoError(t, alice.JoinRoom(ctx, "screening", mintToken(t, "alice", "Alice")))
	await[protocol.RoomState](t, aliceSink)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rooms []types.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "screening", body.Rooms[0].RoomID)
	assert.Equal(t, 1, body.Rooms[0].MemberCount)

	require.NoError(t, alice.LeaveRoom(ctx, "screening"))
	assert.Eventually(t, func() bool {
		return len(srv.state.Rooms()) == 0
	}, 2*time.Second, 20*time.Millisecond, "empty room must disappear")
}
