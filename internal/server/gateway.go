package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/justchat/justchat/internal/relay"
	"github.com/justchat/justchat/internal/types"
)

// ':' delimits key components in the shared stores, so room ids may
// not contain it.
func validRoomId(roomId string) bool {
	return roomId != "" && !strings.Contains(roomId, ":")
}

// onConnect runs once per accepted session. Presence events fan out to
// every peer cluster-wide, not just room members: any peer is a
// potential direct-message target, so online state must be globally
// visible.
func (cs *ChatServer) onConnect(c *Client) {
	ctx := context.Background()

	// every session holds membership in its own personal room, which
	// unifies direct messages and room broadcasts under one fanout
	cs.addMembership(c, c.user.Id)
	cs.addMembership(c, BroadcastRoom)

	if err := cs.presence.SetOnline(ctx, c.user); err != nil {
		cs.log.Println("set presence:", err)
	}

	users, err := cs.presence.Online(ctx)
	if err != nil {
		cs.log.Println("list online users:", err)
		users = nil
	}
	snapshot := make([]types.PresenceRecord, 0, len(users))
	for _, rec := range users {
		if rec.UserId == c.user.Id {
			continue
		}
		snapshot = append(snapshot, rec)
	}
	c.queueMessage(&ServerMessage{
		Notification: &Notification{OnlineUsers: &OnlineUsers{Users: snapshot}},
	})

	online := &ServerMessage{
		Notification: &Notification{
			UserOnline: &UserEvent{UserId: c.user.Id, Name: c.user.Name},
		},
		SkipClient: c,
	}
	cs.broadcastAll(online)
	cs.publish("", online)
}

// onDisconnect releases all session-held state: memberships, presence,
// rate-limit counters. Store failures degrade to no-ops; the session is
// gone either way.
func (cs *ChatServer) onDisconnect(c *Client) {
	ctx := context.Background()

	for _, roomId := range c.roomIds() {
		cs.removeMembership(c, roomId)
	}

	if err := cs.presence.Remove(ctx, c.user.Id); err != nil {
		cs.log.Println("remove presence:", err)
	}
	if err := cs.limiter.Clear(ctx, c.user.Id); err != nil {
		cs.log.Println("clear rate limit:", err)
	}

	offline := &ServerMessage{
		Notification: &Notification{
			UserOffline: &UserEvent{UserId: c.user.Id, Name: c.user.Name},
		},
		SkipClient: c,
	}
	cs.broadcastAll(offline)
	cs.publish("", offline)
}

// handleSend runs the per-message pipeline: gate, sanitize, construct,
// fan out, acknowledge. The ack goes back regardless of how many
// recipients were reachable; an unreachable recipient simply never
// sees the message.
func (cs *ChatServer) handleSend(c *Client, send *Send) {
	if send.Target == "" || send.Content == "" {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	allowed, err := cs.limiter.Allow(context.Background(), c.user.Id)
	if err != nil {
		// the gate degrades to a no-op rather than blocking delivery
		cs.log.Println("rate limiter:", err)
		allowed = true
	}
	if !allowed {
		cs.stats.Incr(MetricMessagesRateLimited)
		c.queueMessage(ErrRateLimited())
		return
	}

	msg, err := buildMessage(c.user, send)
	if err != nil {
		cs.log.Println("build message:", err)
		c.queueMessage(ErrSendFailed())
		return
	}

	// the target is always a room: "broadcast", an explicitly joined
	// room, or a user id acting as that user's personal room
	out := &ServerMessage{Message: msg}
	cs.broadcastRoom(msg.Target, out)
	cs.publish(msg.Target, out)

	c.queueMessage(&ServerMessage{Ack: &Ack{Id: msg.Id, Timestamp: msg.Timestamp}})
	cs.stats.Incr(MetricMessagesSent)
}

// handleTyping updates the shared tracker and notifies the other
// members of the room. The typer never receives their own update.
func (cs *ChatServer) handleTyping(c *Client, roomId string, isTyping bool) {
	if !validRoomId(roomId) {
		return
	}

	ctx := context.Background()
	var err error
	if isTyping {
		err = cs.typing.Start(ctx, roomId, c.user.Id)
	} else {
		err = cs.typing.Stop(ctx, roomId, c.user.Id)
	}
	if err != nil {
		// never surfaced to the client
		cs.log.Println("typing tracker:", err)
	}

	update := &ServerMessage{
		Notification: &Notification{
			Typing: &TypingUpdate{UserId: c.user.Id, UserName: c.user.Name, IsTyping: isTyping},
		},
		SkipClient: c,
	}
	cs.broadcastRoom(roomId, update)
	cs.publish(roomId, update)
}

func (cs *ChatServer) joinRoom(c *Client, roomId string) {
	if !validRoomId(roomId) {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	if !cs.addMembership(c, roomId) {
		// duplicate join from the same session: one membership entry,
		// no second broadcast
		return
	}

	joined := &ServerMessage{
		Notification: &Notification{
			UserJoined: &RoomEvent{UserId: c.user.Id, UserName: c.user.Name, RoomId: roomId},
		},
		SkipClient: c,
	}
	cs.broadcastRoom(roomId, joined)
	cs.publish(roomId, joined)
}

func (cs *ChatServer) leaveRoom(c *Client, roomId string) {
	if !validRoomId(roomId) {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	if !cs.removeMembership(c, roomId) {
		return
	}

	left := &ServerMessage{
		Notification: &Notification{
			UserLeft: &RoomEvent{UserId: c.user.Id, UserName: c.user.Name, RoomId: roomId},
		},
		SkipClient: c,
	}
	cs.broadcastRoom(roomId, left)
	cs.publish(roomId, left)
}

func (cs *ChatServer) addMembership(c *Client, roomId string) bool {
	joined, created := cs.registry.Join(roomId, c)
	if created {
		cs.stats.Incr(MetricNumRooms)
	}
	if joined {
		c.addRoom(roomId)
	}
	return joined
}

func (cs *ChatServer) removeMembership(c *Client, roomId string) bool {
	left, emptied := cs.registry.Leave(roomId, c)
	if emptied {
		cs.stats.Decr(MetricNumRooms)
	}
	if left {
		c.delRoom(roomId)
	}
	return left
}

// refreshPresence re-asserts the session's record ahead of its TTL so a
// user stays visible for as long as their connection lives, not just
// for one TTL after connect.
func (cs *ChatServer) refreshPresence(c *Client) {
	if err := cs.presence.SetOnline(context.Background(), c.user); err != nil {
		cs.log.Println("refresh presence:", err)
	}
}

// publish mirrors an already locally delivered event to the rest of the
// cluster. Relay failures after startup are logged; local fanout has
// happened and continues degraded.
func (cs *ChatServer) publish(roomId string, msg *ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		cs.log.Println("marshal relay payload:", err)
		return
	}

	ev := relay.Event{RoomId: roomId, Payload: payload}
	if err := cs.publisher.Publish(context.Background(), ev); err != nil {
		cs.log.Println("relay publish:", err)
		return
	}

	cs.stats.Incr(MetricRelayEventsPublished)
}

// HandleRelayEvent delivers an event published by another instance to
// this instance's local members. The relay has already filtered out our
// own events.
func (cs *ChatServer) HandleRelayEvent(ev relay.Event) {
	cs.stats.Incr(MetricRelayEventsReceived)

	var msg ServerMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		cs.log.Println("dropping malformed relay payload:", err)
		return
	}

	if ev.RoomId == "" {
		cs.broadcastAll(&msg)
		return
	}
	cs.broadcastRoom(ev.RoomId, &msg)
}
