// Package presence tracks which users are currently reachable for
// delivery. Records are shared across all instances and expire
// automatically after a period of inactivity.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/justchat/justchat/internal/store"
	"github.com/justchat/justchat/internal/types"
)

const (
	keyPrefix = "presence:user:"

	// PresenceTTL is how long a record survives without a refresh.
	PresenceTTL = 300 * time.Second

	StatusOnline = "online"
)

type Store struct {
	kv  store.KV
	log *log.Logger
}

func NewStore(kv store.KV, logger *log.Logger) *Store {
	return &Store{
		kv:  kv,
		log: logger,
	}
}

// SetOnline creates or refreshes the presence record for user.
func (s *Store) SetOnline(ctx context.Context, user types.User) error {
	record := types.PresenceRecord{
		UserId:    user.Id,
		Name:      user.Name,
		Status:    StatusOnline,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	return s.kv.Set(ctx, keyPrefix+user.Id, string(data), PresenceTTL)
}

// Remove deletes the record for userId immediately, ahead of its TTL.
func (s *Store) Remove(ctx context.Context, userId string) error {
	return s.kv.Remove(ctx, keyPrefix+userId)
}

// Online returns the current snapshot of online users. Expired records
// are never included.
func (s *Store) Online(ctx context.Context) ([]types.PresenceRecord, error) {
	entries, err := s.kv.ListByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list presence records: %w", err)
	}

	records := make([]types.PresenceRecord, 0, len(entries))
	for key, value := range entries {
		var record types.PresenceRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			s.log.Printf("skipping malformed presence record %q: %v", key, err)
			continue
		}
		records = append(records, record)
	}

	return records, nil
}
