// Package relay bridges room events between server instances over a
// shared pub/sub channel so that multiple processes behave as one
// logical message bus. Every instance publishes with its own origin tag
// and ignores its own events on receipt, since the publisher has
// already delivered to its local members.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channel = "justchat:events"

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Event is the envelope carried between instances. RoomId selects the
// local fanout target; an empty RoomId means every connected client.
// Payload is the already-encoded server message to deliver verbatim.
type Event struct {
	Origin  string          `json:"origin"`
	RoomId  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives events published by other instances.
type Handler interface {
	HandleRelayEvent(ev Event)
}

type Relay struct {
	client     *redis.Client
	log        *log.Logger
	instanceId string

	mu     sync.Mutex
	pubsub *redis.PubSub

	stop chan struct{}
	done chan struct{}
}

// NewRelay establishes the instance-lifetime subscription. Failure here
// is fatal to startup: an instance must not serve connections without
// its bridge to the rest of the cluster.
func NewRelay(ctx context.Context, client *redis.Client, instanceId string, logger *log.Logger) (*Relay, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to relay channel: %w", err)
	}

	return &Relay{
		client:     client,
		log:        logger,
		instanceId: instanceId,
		pubsub:     pubsub,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Publish sends an event to every instance's local registry for its
// room. The origin tag is stamped here.
func (r *Relay) Publish(ctx context.Context, ev Event) error {
	ev.Origin = r.instanceId

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}

	return nil
}

// Run is the background listener. It lives for the lifetime of the
// instance; transient failures after startup are logged and retried
// with backoff while local-only fanout continues degraded.
func (r *Relay) Run(handler Handler) {
	defer close(r.done)

	backoff := initialBackoff
	r.mu.Lock()
	ch := r.pubsub.Channel()
	r.mu.Unlock()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-r.stop:
					return
				default:
				}

				r.log.Printf("relay subscription lost, resubscribing in %s", backoff)
				time.Sleep(backoff)
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}

				r.mu.Lock()
				// release the dead subscription before replacing it
				r.pubsub.Close()
				r.pubsub = r.client.Subscribe(context.Background(), channel)
				ch = r.pubsub.Channel()
				r.mu.Unlock()
				continue
			}

			backoff = initialBackoff
			r.dispatch([]byte(msg.Payload), handler)
		case <-r.stop:
			return
		}
	}
}

func (r *Relay) dispatch(data []byte, handler Handler) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Printf("dropping malformed relay event: %v", err)
		return
	}

	// the publishing instance already delivered to its local members
	if ev.Origin == r.instanceId {
		return
	}

	handler.HandleRelayEvent(ev)
}

// Close stops the listener and tears down the subscription.
func (r *Relay) Close() error {
	close(r.stop)
	r.mu.Lock()
	err := r.pubsub.Close()
	r.mu.Unlock()
	<-r.done
	return err
}
