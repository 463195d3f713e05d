// Package typing tracks which users are actively typing in a room. One
// record exists per (room, user) pair so every record expires on its
// own deadline; a record that is not re-asserted disappears after the
// TTL and absence means not typing.
package typing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/justchat/justchat/internal/store"
)

const (
	keyPrefix = "typing:"

	// TypingTTL is how long a typing assertion lives without renewal.
	TypingTTL = 10 * time.Second
)

type Tracker struct {
	kv store.KV
}

func NewTracker(kv store.KV) *Tracker {
	return &Tracker{kv: kv}
}

// roomId must not contain ':', the key component separator; the gateway
// rejects such room ids before they reach the tracker.
func typingKey(roomId, userId string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, roomId, userId)
}

// Start asserts that userId is typing in roomId. Re-asserting refreshes
// the deadline.
func (t *Tracker) Start(ctx context.Context, roomId, userId string) error {
	return t.kv.Set(ctx, typingKey(roomId, userId), "1", TypingTTL)
}

// Stop clears the assertion ahead of its TTL.
func (t *Tracker) Stop(ctx context.Context, roomId, userId string) error {
	return t.kv.Remove(ctx, typingKey(roomId, userId))
}

// Members returns the ids of users currently typing in roomId.
func (t *Tracker) Members(ctx context.Context, roomId string) ([]string, error) {
	prefix := keyPrefix + roomId + ":"
	entries, err := t.kv.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list typing records: %w", err)
	}

	users := make([]string, 0, len(entries))
	for key := range entries {
		users = append(users, strings.TrimPrefix(key, prefix))
	}

	return users, nil
}
