package server

import (
	"context"
	"log"
	"sync"

	"github.com/justchat/justchat/internal/relay"
	"github.com/justchat/justchat/internal/stats"
	"github.com/justchat/justchat/internal/types"
)

// BroadcastRoom is the reserved room meaning "all connected users in
// the default channel". Every session joins it at connect time.
const BroadcastRoom = "broadcast"

const (
	MetricNumConnections       = "NumConnections"
	MetricNumRooms             = "NumRooms"
	MetricMessagesSent         = "MessagesSent"
	MetricMessagesRateLimited  = "MessagesRateLimited"
	MetricRelayEventsPublished = "RelayEventsPublished"
	MetricRelayEventsReceived  = "RelayEventsReceived"
)

type PresenceStore interface {
	SetOnline(ctx context.Context, user types.User) error
	Remove(ctx context.Context, userId string) error
	Online(ctx context.Context) ([]types.PresenceRecord, error)
}

type TypingTracker interface {
	Start(ctx context.Context, roomId, userId string) error
	Stop(ctx context.Context, roomId, userId string) error
	Members(ctx context.Context, roomId string) ([]string, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userId string) (bool, error)
	Clear(ctx context.Context, userId string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev relay.Event) error
}

// ChatServer is the session gateway: it owns the sessions accepted by
// this instance, their local room memberships, and the pipelines that
// move events between clients, the shared stores and the cluster relay.
type ChatServer struct {
	log       *log.Logger
	presence  PresenceStore
	typing    TypingTracker
	limiter   RateLimiter
	publisher EventPublisher
	stats     stats.StatsProvider
	registry  *RoomRegistry

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	wg          sync.WaitGroup
}

func NewChatServer(logger *log.Logger, presence PresenceStore, typing TypingTracker,
	limiter RateLimiter, publisher EventPublisher, statsProvider stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:       logger,
		presence:  presence,
		typing:    typing,
		limiter:   limiter,
		publisher: publisher,
		stats:     statsProvider,
		registry:  NewRoomRegistry(),
		clients:   make(map[*Client]struct{}),
	}

	for _, metric := range []string{
		MetricNumConnections,
		MetricNumRooms,
		MetricMessagesSent,
		MetricMessagesRateLimited,
		MetricRelayEventsPublished,
		MetricRelayEventsReceived,
	} {
		cs.stats.RegisterMetric(metric)
	}

	return cs, nil
}

// Register accepts an authenticated session and runs the connect side
// effects: default memberships, presence, snapshot, online broadcast.
func (cs *ChatServer) Register(c *Client) {
	cs.log.Printf("adding connection from %q", c.user.Name)

	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.wg.Add(1)
	cs.stats.Incr(MetricNumConnections)

	cs.onConnect(c)
}

// Deregister releases everything the session held. It is driven by the
// read pump exiting, which is the only cancellation signal a session
// has.
func (cs *ChatServer) Deregister(c *Client) {
	cs.clientsLock.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.clientsLock.Unlock()
		return
	}
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	cs.log.Printf("removing connection from %q", c.user.Name)
	cs.stats.Decr(MetricNumConnections)

	cs.onDisconnect(c)
	cs.wg.Done()
}

// Shutdown stops all sessions and waits for their cleanup to finish or
// the context to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
		if c.conn != nil {
			c.conn.Close()
		}
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) broadcastAll(msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) broadcastRoom(roomId string, msg *ServerMessage) {
	for _, c := range cs.registry.Members(roomId) {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}
