// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcptransport/streamhttp/internal/sseutil"
)

// SSE event names emitted on the wire.
const (
	eventTypeMessage  = "message"
	eventTypePriming  = "priming"
	eventTypeEndpoint = "endpoint"
)

const defaultSSEQueueSize = 1

// sseWriter pumps SSE frames from many producers to the single goroutine
// that owns an HTTP response body. Producers enqueue through send; the body
// owner drains with writeAll. The queue is bounded with two full policies:
// blocking back-pressure for POST bodies, which are paired with a live
// consumer, and drop-oldest for the standalone GET stream, so a slow or
// absent client never stalls senders.
type sseWriter struct {
	logger Logger

	queue chan SSEEvent
	done  chan struct{}

	queueSize  int
	dropOldest bool

	// completeAfter inspects every enqueued frame under the send mutex;
	// reporting true completes the writer right after that frame, making it
	// the last one delivered.
	completeAfter func(*SSEEvent) bool

	// messageEndpoint, when non-empty, is emitted as a leading "endpoint"
	// frame for clients of the older HTTP+SSE transport revision.
	messageEndpoint string

	// keepAlive > 0 makes writeAll emit ": ping" comment frames at that
	// interval while the queue is idle.
	keepAlive time.Duration

	mu        sync.Mutex
	completed bool
	disposed  bool

	doneOnce sync.Once
}

type sseWriterOption func(*sseWriter)

func withWriterQueueSize(n int) sseWriterOption {
	return func(w *sseWriter) {
		w.queueSize = n
	}
}

func withWriterDropOldest() sseWriterOption {
	return func(w *sseWriter) {
		w.dropOldest = true
	}
}

func withWriterCompleteAfter(filter func(*SSEEvent) bool) sseWriterOption {
	return func(w *sseWriter) {
		w.completeAfter = filter
	}
}

func withWriterEndpoint(endpoint string) sseWriterOption {
	return func(w *sseWriter) {
		w.messageEndpoint = endpoint
	}
}

func withWriterKeepAlive(interval time.Duration) sseWriterOption {
	return func(w *sseWriter) {
		w.keepAlive = interval
	}
}

func withWriterLogger(logger Logger) sseWriterOption {
	return func(w *sseWriter) {
		w.logger = logger
	}
}

func newSSEWriter(opts ...sseWriterOption) *sseWriter {
	w := &sseWriter{
		logger:    GetDefaultLogger(),
		queueSize: defaultSSEQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.queueSize < 1 {
		w.queueSize = 1
	}
	w.queue = make(chan SSEEvent, w.queueSize)
	return w
}

// send persists the event through streamWriter (when non-nil and the event
// is not already stamped) and enqueues it for delivery. It reports
// (true, nil) once the event is queued, (false, nil) when the writer has
// already completed (the event may still have been persisted, which lets
// resuming clients recover it), and (false, err) on persistence failure or
// context cancellation.
func (w *sseWriter) send(ctx context.Context, event SSEEvent, streamWriter EventStreamWriter) (bool, error) {
	if streamWriter != nil && event.ID == "" {
		stamped, err := streamWriter.WriteEvent(ctx, event)
		if err != nil {
			return false, err
		}
		event = stamped
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return false, nil
	}

	if w.dropOldest {
		for {
			select {
			case w.queue <- event:
				w.finishSendLocked(&event)
				return true, nil
			default:
			}
			// Queue full: evict the oldest frame. If it was persisted it
			// stays recoverable through resumption.
			select {
			case dropped := <-w.queue:
				w.logger.Debugf("SSE queue full, dropping oldest frame (id=%q)", dropped.ID)
			default:
			}
		}
	}

	select {
	case w.queue <- event:
		w.finishSendLocked(&event)
		return true, nil
	case <-w.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// finishSendLocked runs the completion filter for a frame that was just
// enqueued.
func (w *sseWriter) finishSendLocked(event *SSEEvent) {
	if w.completeAfter != nil && w.completeAfter(event) {
		w.completed = true
		w.signalDone()
	}
}

// sendPriming enqueues the empty frame that hands the client its first
// resumption id and reconnect cadence before any real traffic.
func (w *sseWriter) sendPriming(ctx context.Context, retry time.Duration, streamWriter EventStreamWriter) error {
	_, err := w.send(ctx, SSEEvent{Type: eventTypePriming, Retry: retry}, streamWriter)
	return err
}

// writeAll streams queued frames to sink until the writer completes or ctx
// fires. It belongs to exactly one goroutine per writer lifetime: the HTTP
// handler that owns the response body.
func (w *sseWriter) writeAll(ctx context.Context, sink io.Writer) error {
	if w.messageEndpoint != "" {
		frame := sseutil.Event{Type: eventTypeEndpoint, Data: []byte(w.messageEndpoint)}
		if err := sseutil.WriteEvent(sink, frame); err != nil {
			return err
		}
	}

	var keepAlive <-chan time.Time
	if w.keepAlive > 0 {
		ticker := time.NewTicker(w.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case event := <-w.queue:
			if err := writeSSEEvent(sink, event); err != nil {
				return err
			}
		case <-w.done:
			return w.drainQueue(sink)
		case <-keepAlive:
			if err := sseutil.WriteEvent(sink, sseutil.Event{Comment: "ping"}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainQueue flushes frames that were enqueued before completion. Disposed
// writers skip the flush: teardown means no one is reading anymore.
func (w *sseWriter) drainQueue(sink io.Writer) error {
	w.mu.Lock()
	disposed := w.disposed
	w.mu.Unlock()
	if disposed {
		return nil
	}
	for {
		select {
		case event := <-w.queue:
			if err := writeSSEEvent(sink, event); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// complete stops accepting new frames. Frames already queued still drain
// before writeAll returns. Idempotent.
func (w *sseWriter) complete() {
	w.signalDone()
	w.mu.Lock()
	w.completed = true
	w.mu.Unlock()
}

// dispose is complete plus abandoning whatever is still queued. Idempotent
// and safe under concurrent send.
func (w *sseWriter) dispose() {
	w.signalDone()
	w.mu.Lock()
	w.completed = true
	w.disposed = true
	w.mu.Unlock()
}

func (w *sseWriter) isComplete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed
}

// signalDone is called before taking the mutex so a send blocked on a full
// queue wakes up and releases it.
func (w *sseWriter) signalDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

// writeSSEEvent maps a stored event onto a wire frame.
func writeSSEEvent(sink io.Writer, event SSEEvent) error {
	return sseutil.WriteEvent(sink, sseutil.Event{
		Type:  event.Type,
		ID:    event.ID,
		Retry: event.Retry,
		Data:  event.Data,
	})
}

func flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
