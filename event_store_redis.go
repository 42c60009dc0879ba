// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Key layout:
//
//	{prefix}meta:{sessionId}:{streamId}  hash: mode, completed, lastSequence, createdAt
//	{prefix}event:{eventId}              JSON-encoded event
//
// The meta hash carries the stream's sliding TTL; event keys get their own
// TTL at write time. Sequence allocation is a single HINCRBY, so concurrent
// writers across processes never collide.

const defaultRedisKeyPrefix = "mcp:sse:"

// RedisEventStore is an EventStore shared by every process that talks to the
// same Redis, which makes resumption work across server instances behind a
// load balancer.
type RedisEventStore struct {
	client redis.UniversalClient
	logger Logger

	keyPrefix    string
	eventTTL     time.Duration
	absoluteTTL  time.Duration
	pollInterval time.Duration
}

// RedisEventStoreOption configures a RedisEventStore.
type RedisEventStoreOption func(*RedisEventStore)

// WithRedisEventTTL sets the sliding stream TTL, refreshed by reads and
// writes.
func WithRedisEventTTL(ttl time.Duration) RedisEventStoreOption {
	return func(s *RedisEventStore) {
		s.eventTTL = ttl
	}
}

// WithRedisAbsoluteTTL caps a stream's total lifetime regardless of
// activity.
func WithRedisAbsoluteTTL(ttl time.Duration) RedisEventStoreOption {
	return func(s *RedisEventStore) {
		s.absoluteTTL = ttl
	}
}

// WithRedisPollingInterval sets how often following readers re-check Redis
// once caught up.
func WithRedisPollingInterval(interval time.Duration) RedisEventStoreOption {
	return func(s *RedisEventStore) {
		s.pollInterval = interval
	}
}

// WithRedisKeyPrefix replaces the "mcp:sse:" key prefix.
func WithRedisKeyPrefix(prefix string) RedisEventStoreOption {
	return func(s *RedisEventStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisEventStore builds a store on an existing client. Cluster and
// sentinel clients work the same way through the UniversalClient interface.
func NewRedisEventStore(client redis.UniversalClient, opts ...RedisEventStoreOption) *RedisEventStore {
	store := &RedisEventStore{
		client:       client,
		logger:       GetDefaultLogger(),
		keyPrefix:    defaultRedisKeyPrefix,
		eventTTL:     defaultEventTTL,
		absoluteTTL:  defaultAbsoluteEventTTL,
		pollInterval: defaultPollingInterval,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisEventStore) metaKey(sessionID, streamID string) string {
	return s.keyPrefix + "meta:" + sessionID + ":" + streamID
}

func (s *RedisEventStore) eventKey(eventID string) string {
	return s.keyPrefix + "event:" + eventID
}

// CreateStream implements EventStore. Re-creating an existing stream keeps
// its sequence counter so resumption ids stay valid, reopens it for readers,
// and applies the requested mode.
func (s *RedisEventStore) CreateStream(
	ctx context.Context, sessionID, streamID string, mode StreamMode,
) (EventStreamWriter, error) {
	key := s.metaKey(sessionID, streamID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "createdAt", time.Now().UnixMilli())
	pipe.HSet(ctx, key, "mode", string(mode), "completed", 0)
	pipe.PExpire(ctx, key, s.eventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create stream %s/%s: %w", sessionID, streamID, err)
	}
	return &redisStreamWriter{store: s, sessionID: sessionID, streamID: streamID, mode: mode}, nil
}

// StreamReader implements EventStore.
func (s *RedisEventStore) StreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error) {
	sessionID, streamID, seq, ok := ParseEventID(lastEventID)
	if !ok {
		return nil, ErrInvalidEventID
	}
	meta, err := s.readMetadata(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return &redisStreamReader{
		store:     s,
		sessionID: sessionID,
		streamID:  streamID,
		nextSeq:   seq + 1,
	}, nil
}

// readMetadata returns the stream's metadata hash, or nil when the stream is
// unknown or expired.
func (s *RedisEventStore) readMetadata(ctx context.Context, sessionID, streamID string) (*StreamMetadata, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(sessionID, streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream metadata: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	meta := &StreamMetadata{
		Mode:      StreamMode(fields["mode"]),
		Completed: fields["completed"] == "1",
	}
	if v, ok := fields["lastSequence"]; ok {
		meta.LastSequence, _ = strconv.ParseInt(v, 10, 64)
	}
	return meta, nil
}

// refreshTTL slides the stream's TTL window, capped by the absolute TTL
// measured from stream creation. The returned duration is also the TTL for
// event keys written now, so no event outlives its stream metadata.
func (s *RedisEventStore) refreshTTL(ctx context.Context, metaKey string) (time.Duration, error) {
	createdAtMs, err := s.client.HGet(ctx, metaKey, "createdAt").Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, fmt.Errorf("%w: stream metadata missing", ErrStreamNotFound)
		}
		return 0, fmt.Errorf("failed to read stream metadata: %w", err)
	}
	age := time.Since(time.UnixMilli(createdAtMs))
	ttl := s.eventTTL
	if remaining := s.absoluteTTL - age; remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: stream exceeded its absolute TTL", ErrStreamNotFound)
	}
	if err := s.client.PExpire(ctx, metaKey, ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to refresh stream TTL: %w", err)
	}
	return ttl, nil
}

// readEvent loads one stored event; found is false when it has expired.
func (s *RedisEventStore) readEvent(ctx context.Context, eventID string) (SSEEvent, bool, error) {
	payload, err := s.client.Get(ctx, s.eventKey(eventID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return SSEEvent{}, false, nil
		}
		return SSEEvent{}, false, fmt.Errorf("failed to read event %s: %w", eventID, err)
	}
	var stored redisStoredEvent
	if err := json.Unmarshal(payload, &stored); err != nil {
		return SSEEvent{}, false, fmt.Errorf("failed to decode event %s: %w", eventID, err)
	}
	return SSEEvent{
		Type:  stored.Type,
		ID:    stored.ID,
		Data:  []byte(stored.Data),
		Retry: time.Duration(stored.Retry) * time.Millisecond,
	}, true, nil
}

// redisStoredEvent is the stored form of one event.
type redisStoredEvent struct {
	Type  string          `json:"eventType"`
	ID    string          `json:"eventId"`
	Data  json.RawMessage `json:"data,omitempty"`
	Retry int64           `json:"retryMs,omitempty"`
}

type redisStreamWriter struct {
	store     *RedisEventStore
	sessionID string
	streamID  string

	mu   sync.Mutex
	mode StreamMode
}

func (w *redisStreamWriter) SessionID() string { return w.sessionID }

func (w *redisStreamWriter) StreamID() string { return w.streamID }

func (w *redisStreamWriter) Mode() StreamMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *redisStreamWriter) SetMode(ctx context.Context, mode StreamMode) error {
	key := w.store.metaKey(w.sessionID, w.streamID)
	if err := w.store.client.HSet(ctx, key, "mode", string(mode)).Err(); err != nil {
		return fmt.Errorf("failed to set stream mode: %w", err)
	}
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
	return nil
}

// WriteEvent implements EventStreamWriter. The sequence comes from HINCRBY
// on the metadata hash, so ids stay unique when several processes write the
// same stream.
func (w *redisStreamWriter) WriteEvent(ctx context.Context, event SSEEvent) (SSEEvent, error) {
	if event.ID != "" {
		return event, nil
	}
	metaKey := w.store.metaKey(w.sessionID, w.streamID)
	seq, err := w.store.client.HIncrBy(ctx, metaKey, "lastSequence", 1).Result()
	if err != nil {
		return SSEEvent{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	event.ID = FormatEventID(w.sessionID, w.streamID, seq)

	ttl, err := w.store.refreshTTL(ctx, metaKey)
	if err != nil {
		return SSEEvent{}, err
	}

	stored := redisStoredEvent{
		Type:  event.Type,
		ID:    event.ID,
		Data:  json.RawMessage(event.Data),
		Retry: event.Retry.Milliseconds(),
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return SSEEvent{}, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := w.store.client.Set(ctx, w.store.eventKey(event.ID), payload, ttl).Err(); err != nil {
		return SSEEvent{}, fmt.Errorf("failed to store event: %w", err)
	}
	return event, nil
}

// Close marks the stream completed; following readers drain and stop.
func (w *redisStreamWriter) Close(ctx context.Context) error {
	key := w.store.metaKey(w.sessionID, w.streamID)
	if err := w.store.client.HSet(ctx, key, "completed", 1).Err(); err != nil {
		return fmt.Errorf("failed to complete stream: %w", err)
	}
	return nil
}

type redisStreamReader struct {
	store     *RedisEventStore
	sessionID string
	streamID  string
	nextSeq   int64
}

func (r *redisStreamReader) SessionID() string { return r.sessionID }

func (r *redisStreamReader) StreamID() string { return r.streamID }

// Events implements EventStreamReader. It drains stored events from the
// resumption point, then follows the stream by polling until it completes,
// expires, or ctx ends. Expired events show up as sequence gaps, never as
// errors.
func (r *redisStreamReader) Events(ctx context.Context) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		metaKey := r.store.metaKey(r.sessionID, r.streamID)
		for {
			meta, err := r.store.readMetadata(ctx, r.sessionID, r.streamID)
			if err != nil {
				yield(SSEEvent{}, err)
				return
			}
			if meta == nil {
				return
			}
			// Reading refreshes the sliding TTL, bounded by the absolute cap.
			if _, err := r.store.refreshTTL(ctx, metaKey); err != nil {
				r.store.logger.Debugf("stream TTL refresh failed: %v", err)
			}

			for r.nextSeq <= meta.LastSequence {
				event, found, err := r.store.readEvent(ctx, FormatEventID(r.sessionID, r.streamID, r.nextSeq))
				if err != nil {
					yield(SSEEvent{}, err)
					return
				}
				r.nextSeq++
				if !found {
					continue
				}
				if !yield(event, nil) {
					return
				}
			}

			if meta.Mode == StreamModePolling || meta.Completed {
				return
			}

			select {
			case <-ctx.Done():
				yield(SSEEvent{}, ctx.Err())
				return
			case <-time.After(r.store.pollInterval):
			}
		}
	}
}
