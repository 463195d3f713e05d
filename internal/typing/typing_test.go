package typing

import (
	"context"
	"testing"
	"time"

	"github.com/justchat/justchat/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestStartAndMembers(t *testing.T) {
	tr := NewTracker(store.NewMemoryStore())
	ctx := context.Background()

	assert.NoError(t, tr.Start(ctx, "room1", "alice"))
	assert.NoError(t, tr.Start(ctx, "room1", "bob"))
	assert.NoError(t, tr.Start(ctx, "room2", "carol"))

	members, err := tr.Members(ctx, "room1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	members, err = tr.Members(ctx, "room2")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol"}, members)
}

func TestStop(t *testing.T) {
	tr := NewTracker(store.NewMemoryStore())
	ctx := context.Background()

	assert.NoError(t, tr.Start(ctx, "room1", "alice"))
	assert.NoError(t, tr.Stop(ctx, "room1", "alice"))

	members, err := tr.Members(ctx, "room1")
	assert.NoError(t, err)
	assert.Empty(t, members)

	// stopping when not typing is not an error
	assert.NoError(t, tr.Stop(ctx, "room1", "alice"))
}

func TestRecordsExpireIndependently(t *testing.T) {
	now := time.Now()
	tr := NewTracker(store.NewMemoryStoreWithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.NoError(t, tr.Start(ctx, "room1", "alice"))

	now = now.Add(5 * time.Second)
	assert.NoError(t, tr.Start(ctx, "room1", "bob"))

	// alice's record runs out first, bob's is still live
	now = now.Add(TypingTTL - 4*time.Second)
	members, err := tr.Members(ctx, "room1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob"}, members)

	now = now.Add(TypingTTL)
	members, err = tr.Members(ctx, "room1")
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestStartRefreshesDeadline(t *testing.T) {
	now := time.Now()
	tr := NewTracker(store.NewMemoryStoreWithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.NoError(t, tr.Start(ctx, "room1", "alice"))

	now = now.Add(8 * time.Second)
	assert.NoError(t, tr.Start(ctx, "room1", "alice"))

	now = now.Add(8 * time.Second)
	members, err := tr.Members(ctx, "room1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice"}, members)
}
