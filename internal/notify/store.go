// Package notify turns messages that could not be delivered live into
// pending notification records for later retrieval. Records collapse per
// (user, conversation): repeated undelivered messages bump a counter and
// refresh the preview instead of piling up one record per message.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix = "notify:pending:"

	// backstop against records for conversations the user never reopens
	recordTTL = 30 * 24 * time.Hour
)

// Record is one collapsed undelivered-message notification.
type Record struct {
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	Preview        string    `json:"preview"`
	Count          int64     `json:"count"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Recorder is the storage contract for pending notifications.
type Recorder interface {
	RecordUndelivered(ctx context.Context, targetUser, conversationID, from, preview string) error
	ListPending(ctx context.Context, userID string) ([]Record, error)
	Clear(ctx context.Context, userID, conversationID string) error
}

// RedisStore keeps one hash per user, keyed by conversation id.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a Recorder backed by the given redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

var _ Recorder = (*RedisStore)(nil)

// RecordUndelivered upserts the record for (targetUser, conversationID),
// incrementing its count and replacing the preview with the latest
// message.
func (s *RedisStore) RecordUndelivered(ctx context.Context, targetUser, conversationID, from, preview string) error {
	key := pendingKeyPrefix + targetUser

	rec := Record{ConversationID: conversationID, From: from, Preview: preview, Count: 1, UpdatedAt: time.Now().UTC()}
	if raw, err := s.rdb.HGet(ctx, key, conversationID).Result(); err == nil {
		var existing Record
		if err := json.Unmarshal([]byte(raw), &existing); err == nil {
			rec.Count = existing.Count + 1
		}
	} else if err != redis.Nil {
		return fmt.Errorf("notify: read pending record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("notify: marshal record: %w", err)
	}
	if err := s.rdb.HSet(ctx, key, conversationID, data).Err(); err != nil {
		return fmt.Errorf("notify: store record: %w", err)
	}
	s.rdb.Expire(ctx, key, recordTTL)
	return nil
}

// ListPending returns the user's pending records, most recent first.
func (s *RedisStore) ListPending(ctx context.Context, userID string) ([]Record, error) {
	raw, err := s.rdb.HGetAll(ctx, pendingKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: list pending: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, v := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue // skip malformed entries
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Clear removes the record for one conversation. Clearing a record that
// does not exist is a no-op, so the mark-read path can always call it.
func (s *RedisStore) Clear(ctx context.Context, userID, conversationID string) error {
	if err := s.rdb.HDel(ctx, pendingKeyPrefix+userID, conversationID).Err(); err != nil {
		return fmt.Errorf("notify: clear record: %w", err)
	}
	return nil
}
