// Package sharedlog wraps the per-chat Redis state: the bounded event
// stream, the task-liveness and revocation flags, the queued-message list,
// and the context-usage cache. Key layout:
//
//	chat:{chat_id}:stream         bounded stream of {kind, payload} entries
//	chat:{chat_id}:queue          list of queued message JSON records
//	chat:{chat_id}:task           task handle, TTL-bounded, marks a live stream
//	chat:{chat_id}:revoked        "1" when cancellation was requested
//	chat:{chat_id}:context_usage  cached context token usage JSON
package sharedlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry kinds appended to the per-chat stream. A terminal kind (complete or
// error) is always the last entry of its stream.
const (
	KindContent       = "content"
	KindError         = "error"
	KindComplete      = "complete"
	KindQueueInjected = "queue_injected"
)

func streamKey(chatID string) string       { return fmt.Sprintf("chat:%s:stream", chatID) }
func queueKey(chatID string) string        { return fmt.Sprintf("chat:%s:queue", chatID) }
func taskKey(chatID string) string         { return fmt.Sprintf("chat:%s:task", chatID) }
func revokedKey(chatID string) string      { return fmt.Sprintf("chat:%s:revoked", chatID) }
func contextUsageKey(chatID string) string { return fmt.Sprintf("chat:%s:context_usage", chatID) }

// NewClient opens a Redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Log is the shared per-chat log and KV store.
type Log struct {
	rdb          *redis.Client
	streamMaxLen int64
	taskTTL      time.Duration
	queueTTL     time.Duration
}

// NewLog creates a Log with the given bounds.
func NewLog(rdb *redis.Client, streamMaxLen int64, taskTTL, queueTTL time.Duration) *Log {
	return &Log{rdb: rdb, streamMaxLen: streamMaxLen, taskTTL: taskTTL, queueTTL: queueTTL}
}

// PrepareStream removes any stale stream left over from a previous run of
// the same chat so clients never replay entries from an earlier stream.
func (l *Log) PrepareStream(ctx context.Context, chatID string) error {
	return l.rdb.Del(ctx, streamKey(chatID)).Err()
}

// AppendEntry appends one {kind, payload} entry to the chat's stream with
// approximate length trimming.
func (l *Log) AppendEntry(ctx context.Context, chatID, kind, payload string) error {
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(chatID),
		MaxLen: l.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"kind": kind, "payload": payload},
	}).Err()
}

// ReadEntries returns every entry currently in the chat's stream, oldest
// first. Used by tests and by catch-up readers.
func (l *Log) ReadEntries(ctx context.Context, chatID string) ([]redis.XMessage, error) {
	msgs, err := l.rdb.XRange(ctx, streamKey(chatID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream entries: %w", err)
	}
	return msgs, nil
}

// Entry is one decoded {kind, payload} stream entry.
type Entry struct {
	Kind    string
	Payload string
}

// Entries returns the chat's stream decoded into entries, oldest first.
func (l *Log) Entries(ctx context.Context, chatID string) ([]Entry, error) {
	msgs, err := l.ReadEntries(ctx, chatID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		var e Entry
		if kind, ok := msg.Values["kind"].(string); ok {
			e.Kind = kind
		}
		if payload, ok := msg.Values["payload"].(string); ok {
			e.Payload = payload
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SetTaskActive marks the chat's stream as live, bounded by the task TTL so
// a crashed worker cannot leave the flag behind forever.
func (l *Log) SetTaskActive(ctx context.Context, chatID, handle string) error {
	return l.rdb.Set(ctx, taskKey(chatID), handle, l.taskTTL).Err()
}

// TaskActive reports whether the chat currently has a live stream.
func (l *Log) TaskActive(ctx context.Context, chatID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, taskKey(chatID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestRevocation sets the cancellation flag for the chat's live stream.
func (l *Log) RequestRevocation(ctx context.Context, chatID string) error {
	return l.rdb.Set(ctx, revokedKey(chatID), "1", l.taskTTL).Err()
}

// IsRevoked reports whether cancellation has been requested for the chat.
func (l *Log) IsRevoked(ctx context.Context, chatID string) (bool, error) {
	val, err := l.rdb.Get(ctx, revokedKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// ClearRevoked removes a stale revocation flag before a stream starts.
func (l *Log) ClearRevoked(ctx context.Context, chatID string) error {
	return l.rdb.Del(ctx, revokedKey(chatID)).Err()
}

// DeleteControlKeys removes the task-liveness and revocation flags during
// stream teardown.
func (l *Log) DeleteControlKeys(ctx context.Context, chatID string) error {
	return l.rdb.Del(ctx, taskKey(chatID), revokedKey(chatID)).Err()
}

// SetContextUsage caches the context-usage JSON for a chat.
func (l *Log) SetContextUsage(ctx context.Context, chatID, payload string, ttl time.Duration) error {
	return l.rdb.Set(ctx, contextUsageKey(chatID), payload, ttl).Err()
}

// GetContextUsage returns the cached context-usage JSON, or "" when absent.
func (l *Log) GetContextUsage(ctx context.Context, chatID string) (string, error) {
	val, err := l.rdb.Get(ctx, contextUsageKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// QueueLen returns the number of queued messages for a chat.
func (l *Log) QueueLen(ctx context.Context, chatID string) (int64, error) {
	return l.rdb.LLen(ctx, queueKey(chatID)).Result()
}

// QueuePush appends a record to the chat's queue and refreshes its TTL.
func (l *Log) QueuePush(ctx context.Context, chatID, record string) error {
	if err := l.rdb.RPush(ctx, queueKey(chatID), record).Err(); err != nil {
		return err
	}
	return l.rdb.Expire(ctx, queueKey(chatID), l.queueTTL).Err()
}

// QueueRange returns all queued records in order.
func (l *Log) QueueRange(ctx context.Context, chatID string) ([]string, error) {
	return l.rdb.LRange(ctx, queueKey(chatID), 0, -1).Result()
}

// QueueSet replaces the record at index and refreshes the queue TTL.
func (l *Log) QueueSet(ctx context.Context, chatID string, index int64, record string) error {
	if err := l.rdb.LSet(ctx, queueKey(chatID), index, record).Err(); err != nil {
		return err
	}
	return l.rdb.Expire(ctx, queueKey(chatID), l.queueTTL).Err()
}

// QueueRemove deletes the first occurrence of a record from the queue.
func (l *Log) QueueRemove(ctx context.Context, chatID, record string) error {
	return l.rdb.LRem(ctx, queueKey(chatID), 1, record).Err()
}

// QueuePop removes and returns the head of the queue. Returns "" with no
// error when the queue is empty.
func (l *Log) QueuePop(ctx context.Context, chatID string) (string, error) {
	val, err := l.rdb.LPop(ctx, queueKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
