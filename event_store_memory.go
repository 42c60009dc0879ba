// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"iter"
	"sync"
	"time"
)

const (
	defaultEventTTL           = 5 * time.Minute
	defaultAbsoluteEventTTL   = 30 * time.Minute
	defaultPollingInterval    = 100 * time.Millisecond
	defaultSweepInterval      = time.Minute
	defaultMaxEventsPerStream = 1024
)

// MemoryEventStore is a single-process EventStore. Streams expire on a
// sliding TTL (refreshed by reads and writes) capped by an absolute TTL, and
// each stream retains at most a fixed number of events, evicting the oldest.
type MemoryEventStore struct {
	logger Logger

	mu      sync.RWMutex
	streams map[streamKey]*memoryStream

	slidingTTL    time.Duration
	absoluteTTL   time.Duration
	pollInterval  time.Duration
	sweepInterval time.Duration
	maxEvents     int

	closeOnce sync.Once
	done      chan struct{}
}

type streamKey struct {
	sessionID string
	streamID  string
}

type memoryStream struct {
	mu sync.Mutex

	sessionID string
	streamID  string
	meta      StreamMetadata
	events    map[int64]SSEEvent
	oldestSeq int64
	maxEvents int

	createdAt    time.Time
	lastActivity time.Time
}

// MemoryEventStoreOption configures a MemoryEventStore.
type MemoryEventStoreOption func(*MemoryEventStore)

// WithMemoryEventTTL sets the sliding stream TTL.
func WithMemoryEventTTL(ttl time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.slidingTTL = ttl
	}
}

// WithMemoryAbsoluteTTL caps a stream's total lifetime regardless of
// activity.
func WithMemoryAbsoluteTTL(ttl time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.absoluteTTL = ttl
	}
}

// WithMemoryPollingInterval sets how often streaming readers re-check the
// store once caught up.
func WithMemoryPollingInterval(interval time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.pollInterval = interval
	}
}

// WithMemorySweepInterval sets how often expired streams are pruned.
func WithMemorySweepInterval(interval time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.sweepInterval = interval
	}
}

// WithMemoryMaxEventsPerStream bounds per-stream retention; the oldest events
// are evicted first, which resuming readers observe as skipped sequences.
func WithMemoryMaxEventsPerStream(n int) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.maxEvents = n
	}
}

// WithMemoryStoreLogger sets the store logger.
func WithMemoryStoreLogger(logger Logger) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		s.logger = logger
	}
}

// NewMemoryEventStore creates an in-memory event store and starts its expiry
// sweeper. Call Close to stop the sweeper.
func NewMemoryEventStore(opts ...MemoryEventStoreOption) *MemoryEventStore {
	store := &MemoryEventStore{
		logger:        GetDefaultLogger(),
		streams:       make(map[streamKey]*memoryStream),
		slidingTTL:    defaultEventTTL,
		absoluteTTL:   defaultAbsoluteEventTTL,
		pollInterval:  defaultPollingInterval,
		sweepInterval: defaultSweepInterval,
		maxEvents:     defaultMaxEventsPerStream,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}

	go store.sweepExpiredStreams()

	return store
}

// Close stops the expiry sweeper. The store stays usable; streams simply stop
// being pruned.
func (s *MemoryEventStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// CreateStream implements EventStore. Re-creating an existing stream keeps
// its events and sequence counter so resumption ids stay valid, reopens it
// for readers, and applies the requested mode.
func (s *MemoryEventStore) CreateStream(
	ctx context.Context, sessionID, streamID string, mode StreamMode,
) (EventStreamWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{sessionID: sessionID, streamID: streamID}
	stream, ok := s.streams[key]
	if !ok {
		now := time.Now()
		stream = &memoryStream{
			sessionID:    sessionID,
			streamID:     streamID,
			meta:         StreamMetadata{Mode: mode},
			events:       make(map[int64]SSEEvent),
			oldestSeq:    1,
			maxEvents:    s.maxEvents,
			createdAt:    now,
			lastActivity: now,
		}
		s.streams[key] = stream
	} else {
		stream.mu.Lock()
		stream.meta.Mode = mode
		stream.meta.Completed = false
		stream.lastActivity = time.Now()
		stream.mu.Unlock()
	}

	return &memoryStreamWriter{stream: stream}, nil
}

// StreamReader implements EventStore.
func (s *MemoryEventStore) StreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error) {
	sessionID, streamID, seq, ok := ParseEventID(lastEventID)
	if !ok {
		return nil, ErrInvalidEventID
	}

	stream := s.lookup(sessionID, streamID)
	if stream == nil {
		return nil, nil
	}

	return &memoryStreamReader{
		store:     s,
		sessionID: sessionID,
		streamID:  streamID,
		nextSeq:   seq + 1,
	}, nil
}

// lookup returns a live stream or nil, enforcing expiry lazily so readers
// never see a stream the sweeper is about to drop.
func (s *MemoryEventStore) lookup(sessionID, streamID string) *memoryStream {
	s.mu.RLock()
	stream := s.streams[streamKey{sessionID: sessionID, streamID: streamID}]
	s.mu.RUnlock()

	if stream == nil {
		return nil
	}
	stream.mu.Lock()
	expired := s.isExpiredLocked(stream, time.Now())
	stream.mu.Unlock()
	if expired {
		s.mu.Lock()
		delete(s.streams, streamKey{sessionID: sessionID, streamID: streamID})
		s.mu.Unlock()
		return nil
	}
	return stream
}

func (s *MemoryEventStore) isExpiredLocked(stream *memoryStream, now time.Time) bool {
	if s.slidingTTL > 0 && now.Sub(stream.lastActivity) > s.slidingTTL {
		return true
	}
	if s.absoluteTTL > 0 && now.Sub(stream.createdAt) > s.absoluteTTL {
		return true
	}
	return false
}

func (s *MemoryEventStore) sweepExpiredStreams() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		s.mu.Lock()
		for key, stream := range s.streams {
			stream.mu.Lock()
			expired := s.isExpiredLocked(stream, now)
			stream.mu.Unlock()
			if expired {
				delete(s.streams, key)
			}
		}
		s.mu.Unlock()
	}
}

// memoryStreamWriter appends to one in-memory stream.
type memoryStreamWriter struct {
	stream *memoryStream
}

func (w *memoryStreamWriter) SessionID() string { return w.stream.sessionID }
func (w *memoryStreamWriter) StreamID() string  { return w.stream.streamID }

func (w *memoryStreamWriter) Mode() StreamMode {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	return w.stream.meta.Mode
}

func (w *memoryStreamWriter) SetMode(ctx context.Context, mode StreamMode) error {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	w.stream.meta.Mode = mode
	w.stream.lastActivity = time.Now()
	return nil
}

func (w *memoryStreamWriter) WriteEvent(ctx context.Context, event SSEEvent) (SSEEvent, error) {
	if event.ID != "" {
		return event, nil
	}

	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()

	seq := w.stream.meta.LastSequence + 1
	w.stream.meta.LastSequence = seq
	event.ID = FormatEventID(w.stream.sessionID, w.stream.streamID, seq)
	w.stream.events[seq] = event
	w.stream.lastActivity = time.Now()

	for w.stream.maxEvents > 0 && len(w.stream.events) > w.stream.maxEvents && w.stream.oldestSeq <= seq {
		delete(w.stream.events, w.stream.oldestSeq)
		w.stream.oldestSeq++
	}
	return event, nil
}

func (w *memoryStreamWriter) Close(ctx context.Context) error {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	w.stream.meta.Completed = true
	w.stream.lastActivity = time.Now()
	return nil
}

// memoryStreamReader replays an in-memory stream starting at nextSeq.
type memoryStreamReader struct {
	store     *MemoryEventStore
	sessionID string
	streamID  string
	nextSeq   int64
}

func (r *memoryStreamReader) SessionID() string { return r.sessionID }
func (r *memoryStreamReader) StreamID() string  { return r.streamID }

func (r *memoryStreamReader) Events(ctx context.Context) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		seq := r.nextSeq
		for {
			stream := r.store.lookup(r.sessionID, r.streamID)
			if stream == nil {
				// Metadata expired under us; complete rather than spin.
				return
			}

			events, meta := stream.snapshotFrom(seq)
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			seq = meta.LastSequence + 1

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

// snapshotFrom copies the events at sequence >= from, in order, along with
// current metadata. Gaps from evicted events are skipped. Reading refreshes
// the sliding TTL.
func (m *memoryStream) snapshotFrom(from int64) ([]SSEEvent, StreamMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SSEEvent
	for seq := from; seq <= m.meta.LastSequence; seq++ {
		if ev, ok := m.events[seq]; ok {
			out = append(out, ev)
		}
	}
	m.lastActivity = time.Now()
	return out, m.meta
}
