package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/justchat/justchat/internal/presence"
	"github.com/justchat/justchat/internal/ratelimit"
	"github.com/justchat/justchat/internal/relay"
	"github.com/justchat/justchat/internal/stats"
	"github.com/justchat/justchat/internal/store"
	"github.com/justchat/justchat/internal/testutil"
	"github.com/justchat/justchat/internal/typing"
	"github.com/justchat/justchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type testServer struct {
	cs        *ChatServer
	limiter   *ratelimit.MockLimiter
	publisher *relay.MockPublisher
	stats     *stats.MockStatsUpdater
	presence  *presence.Store
	typing    *typing.Tracker
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithClock(t, time.Now)
}

func newTestServerWithClock(t *testing.T, now func() time.Time) *testServer {
	logger := testutil.TestLogger(t)
	kv := store.NewMemoryStoreWithClock(now)

	statsMock := &stats.MockStatsUpdater{}
	statsMock.On("RegisterMetric", mock.Anything).Return()
	statsMock.On("Incr", mock.Anything).Return()
	statsMock.On("Decr", mock.Anything).Return()

	limiter := &ratelimit.MockLimiter{}
	limiter.On("Clear", mock.Anything, mock.Anything).Return(nil)

	publisher := &relay.MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	presenceStore := presence.NewStore(kv, logger)
	typingTracker := typing.NewTracker(kv)

	cs, err := NewChatServer(logger, presenceStore, typingTracker, limiter, publisher, statsMock)
	assert.NoError(t, err)

	return &testServer{
		cs:        cs,
		limiter:   limiter,
		publisher: publisher,
		stats:     statsMock,
		presence:  presenceStore,
		typing:    typingTracker,
	}
}

func (ts *testServer) connect(t *testing.T, id, name string) *Client {
	c := NewClient(types.User{Id: id, Name: name, IsGuest: true}, nil, ts.cs, testutil.TestLogger(t))
	ts.cs.Register(c)
	return c
}

// drain empties a client's outbound queue and returns what was there.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestRegister_FirstUserGetsEmptySnapshot(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")

	msgs := drain(alice)
	assert.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Notification)
	assert.NotNil(t, msgs[0].Notification.OnlineUsers)
	assert.Empty(t, msgs[0].Notification.OnlineUsers.Users)
}

func TestRegister_SnapshotExcludesSelf(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	bob := ts.connect(t, "guest_2_b", "Bob")

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	snapshot := msgs[0].Notification.OnlineUsers.Users
	assert.Len(t, snapshot, 1)
	assert.Equal(t, "guest_1_a", snapshot[0].UserId)

	// alice sees bob come online, bob does not see his own event
	msgs = drain(alice)
	assert.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Notification.UserOnline)
	assert.Equal(t, "guest_2_b", msgs[0].Notification.UserOnline.UserId)

	ts.publisher.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(ev relay.Event) bool {
		return ev.RoomId == ""
	}))
}

func TestRefreshPresence_KeepsLongSessionVisible(t *testing.T) {
	now := time.Now()
	ts := newTestServerWithClock(t, func() time.Time { return now })
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	// the keepalive heartbeat re-asserts the record before it expires
	now = now.Add(presence.PresenceTTL - time.Minute)
	ts.cs.refreshPresence(alice)

	// past the connect-time deadline, still inside the refreshed one
	now = now.Add(2 * time.Minute)
	records, err := ts.presence.Online(context.Background())
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "guest_1_a", records[0].UserId)
}

func TestHandleSend_Broadcast(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.limiter.On("Allow", mock.Anything, "guest_1_a").Return(true, nil)

	ts.cs.handleSend(alice, &Send{Target: BroadcastRoom, Content: "hello"})

	// the sender gets the message (they are a member of the room) and
	// then a single ack
	msgs := drain(alice)
	assert.Len(t, msgs, 2)
	assert.NotNil(t, msgs[0].Message)
	assert.Equal(t, "hello", msgs[0].Message.Content)
	assert.Equal(t, "guest_1_a", msgs[0].Message.SenderId)
	assert.NotNil(t, msgs[1].Ack)
	assert.Equal(t, msgs[0].Message.Id, msgs[1].Ack.Id)

	msgs = drain(bob)
	assert.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Message)
	assert.Equal(t, "hello", msgs[0].Message.Content)

	ts.publisher.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(ev relay.Event) bool {
		return ev.RoomId == BroadcastRoom
	}))
	ts.stats.AssertCalled(t, "Incr", MetricMessagesSent)
}

func TestHandleSend_DirectMessage(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	carol := ts.connect(t, "guest_3_c", "Carol")
	drain(alice)
	drain(bob)
	drain(carol)

	ts.limiter.On("Allow", mock.Anything, "guest_1_a").Return(true, nil)

	// a user id as target delivers through that user's personal room
	ts.cs.handleSend(alice, &Send{Target: "guest_2_b", Content: "psst"})

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "psst", msgs[0].Message.Content)

	assert.Empty(t, drain(carol))

	// the sender only gets the ack, not a message copy
	msgs = drain(alice)
	assert.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Ack)
}

func TestHandleSend_InvalidMessage(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	ts.cs.handleSend(alice, &Send{Target: "", Content: "hello"})
	ts.cs.handleSend(alice, &Send{Target: BroadcastRoom, Content: ""})

	msgs := drain(alice)
	assert.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, ErrInvalidMessage().Error.Message, msg.Error.Message)
	}

	// rejected before the gate
	ts.limiter.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything)
}

func TestHandleSend_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.limiter.On("Allow", mock.Anything, "guest_1_a").Return(false, nil)

	ts.cs.handleSend(alice, &Send{Target: BroadcastRoom, Content: "hello"})

	msgs := drain(alice)
	assert.Len(t, msgs, 1)
	assert.Equal(t, ErrRateLimited().Error.Message, msgs[0].Error.Message)

	assert.Empty(t, drain(bob))
	ts.stats.AssertCalled(t, "Incr", MetricMessagesRateLimited)
}

func TestHandleSend_LimiterFailureDoesNotBlockDelivery(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.limiter.On("Allow", mock.Anything, "guest_1_a").Return(false, assert.AnError)

	ts.cs.handleSend(alice, &Send{Target: BroadcastRoom, Content: "hello"})

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Message.Content)
}

func TestHandleSend_IdGenerationFailureReportsError(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.limiter.On("Allow", mock.Anything, "guest_1_a").Return(true, nil)

	orig := newMessageId
	newMessageId = func() (string, error) { return "", assert.AnError }
	defer func() { newMessageId = orig }()

	ts.cs.handleSend(alice, &Send{Target: BroadcastRoom, Content: "hello"})

	// the sender is told the send failed, nothing is delivered
	msgs := drain(alice)
	assert.Len(t, msgs, 1)
	assert.Equal(t, ErrSendFailed().Error.Message, msgs[0].Error.Message)
	assert.Empty(t, drain(bob))
}

func TestHandleTyping(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	ts.cs.joinRoom(alice, "room1")
	ts.cs.joinRoom(bob, "room1")
	drain(alice)
	drain(bob)

	ts.cs.handleTyping(alice, "room1", true)

	// the typer never sees their own update
	assert.Empty(t, drain(alice))

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	update := msgs[0].Notification.Typing
	assert.Equal(t, "guest_1_a", update.UserId)
	assert.True(t, update.IsTyping)

	members, err := ts.typing.Members(context.Background(), "room1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"guest_1_a"}, members)

	ts.cs.handleTyping(alice, "room1", false)

	msgs = drain(bob)
	assert.Len(t, msgs, 1)
	assert.False(t, msgs[0].Notification.Typing.IsTyping)

	members, err = ts.typing.Members(context.Background(), "room1")
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestHandleTyping_InvalidRoomIgnored(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.cs.handleTyping(alice, "", true)

	// a separator in the room id would collide with other rooms' keys
	ts.cs.handleTyping(alice, "room:1", true)

	assert.Empty(t, drain(alice))
	assert.Empty(t, drain(bob))

	members, err := ts.typing.Members(context.Background(), "room:1")
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestJoinRoom_IdempotentPerSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	ts.cs.joinRoom(bob, "room1")
	drain(alice)
	drain(bob)

	ts.cs.joinRoom(alice, "room1")
	ts.cs.joinRoom(alice, "room1")

	// one membership entry, one announcement
	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	joined := msgs[0].Notification.UserJoined
	assert.Equal(t, "guest_1_a", joined.UserId)
	assert.Equal(t, "room1", joined.RoomId)

	assert.Len(t, ts.cs.registry.Members("room1"), 2)
}

func TestJoinRoom_InvalidRoomRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	for _, roomId := range []string{"", "room:1"} {
		ts.cs.joinRoom(alice, roomId)

		msgs := drain(alice)
		assert.Len(t, msgs, 1)
		assert.Equal(t, ErrInvalidMessage().Error.Message, msgs[0].Error.Message)
	}

	assert.Empty(t, ts.cs.registry.Members("room:1"))
}

func TestLeaveRoom_InvalidRoomRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	ts.cs.leaveRoom(alice, "room:1")

	msgs := drain(alice)
	assert.Len(t, msgs, 1)
	assert.Equal(t, ErrInvalidMessage().Error.Message, msgs[0].Error.Message)
}

func TestLeaveRoom(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	ts.cs.joinRoom(alice, "room1")
	ts.cs.joinRoom(bob, "room1")
	drain(alice)
	drain(bob)

	ts.cs.leaveRoom(alice, "room1")

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	left := msgs[0].Notification.UserLeft
	assert.Equal(t, "guest_1_a", left.UserId)
	assert.Equal(t, "room1", left.RoomId)

	// leaving a room the session is not in announces nothing
	ts.cs.leaveRoom(alice, "room1")
	assert.Empty(t, drain(bob))
}

func TestDeregister(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	ts.cs.Deregister(alice)

	msgs := drain(bob)
	assert.Len(t, msgs, 1)
	offline := msgs[0].Notification.UserOffline
	assert.Equal(t, "guest_1_a", offline.UserId)

	records, err := ts.presence.Online(context.Background())
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "guest_2_b", records[0].UserId)

	ts.limiter.AssertCalled(t, "Clear", mock.Anything, "guest_1_a")

	// a second deregister of the same session is a no-op
	ts.cs.Deregister(alice)
	assert.Empty(t, drain(bob))
}

func TestHandleRelayEvent(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	ts.cs.joinRoom(alice, "room1")
	drain(alice)
	drain(bob)

	payload, err := json.Marshal(&ServerMessage{
		Message: &types.Message{Id: "msg_1_x", SenderId: "guest_9_z", Target: "room1", Content: "from afar"},
	})
	assert.NoError(t, err)

	ts.cs.HandleRelayEvent(relay.Event{Origin: "other-instance", RoomId: "room1", Payload: payload})

	msgs := drain(alice)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "from afar", msgs[0].Message.Content)

	// bob never joined room1
	assert.Empty(t, drain(bob))

	ts.stats.AssertCalled(t, "Incr", MetricRelayEventsReceived)
}

func TestHandleRelayEvent_EmptyRoomFansOutToAll(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	bob := ts.connect(t, "guest_2_b", "Bob")
	drain(alice)
	drain(bob)

	payload, err := json.Marshal(&ServerMessage{
		Notification: &Notification{UserOnline: &UserEvent{UserId: "guest_9_z", Name: "Zed"}},
	})
	assert.NoError(t, err)

	ts.cs.HandleRelayEvent(relay.Event{Origin: "other-instance", Payload: payload})

	for _, c := range []*Client{alice, bob} {
		msgs := drain(c)
		assert.Len(t, msgs, 1)
		assert.Equal(t, "guest_9_z", msgs[0].Notification.UserOnline.UserId)
	}
}

func TestHandleRelayEvent_MalformedPayloadDropped(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	ts.cs.HandleRelayEvent(relay.Event{Origin: "other-instance", Payload: []byte("{not json")})

	assert.Empty(t, drain(alice))
}

func TestShutdown(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)

	// the read pump reacts to the stop signal by deregistering
	go func() {
		<-alice.stop
		ts.cs.Deregister(alice)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, ts.cs.Shutdown(ctx))
}

func TestShutdown_TimesOutOnStuckSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect(t, "guest_1_a", "Alice")
	drain(alice)
	defer ts.cs.Deregister(alice)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, ts.cs.Shutdown(ctx), context.DeadlineExceeded)
}
