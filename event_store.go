// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"iter"
	"time"
)

// standaloneStreamID names the per-session stream that carries unsolicited
// server-to-client messages (the GET SSE channel). Every other stream id
// belongs to a single POST exchange.
const standaloneStreamID = "__get__"

// StreamMode controls what a reader does once it has drained every event
// persisted so far.
type StreamMode string

const (
	// StreamModeStreaming keeps the reader alive: it polls the store for new
	// events until the stream completes or its metadata expires.
	StreamModeStreaming StreamMode = "streaming"
	// StreamModePolling completes the reader once it has drained what is
	// currently persisted, pushing clients into a reconnect loop.
	StreamModePolling StreamMode = "polling"
)

// SSEEvent is one outbound server-sent event. Data holds the pre-serialized
// JSON-RPC message, or nil for priming frames.
type SSEEvent struct {
	// Type is the SSE event name: "message", "priming" or "endpoint".
	Type string
	// ID is the resumability event id, assigned by an EventStreamWriter.
	// Empty when the event is not persisted.
	ID string
	// Retry is the advisory client reconnect interval, emitted on priming
	// frames.
	Retry time.Duration
	// Data is the serialized payload.
	Data []byte

	// replyTo is the normalized id of the request this event answers, or "".
	// It never leaves the process; PostTransports use it to recognize their
	// final frame.
	replyTo string
}

// StreamMetadata is the persisted state of one event stream.
type StreamMetadata struct {
	Mode         StreamMode
	LastSequence int64
	Completed    bool
}

// EventStore persists SSE events per (session, stream) so that clients can
// replay missed events by reconnecting with Last-Event-ID. Implementations
// must be safe for concurrent writers on distinct streams and concurrent
// readers on any stream; MemoryEventStore serves single-process setups and
// RedisEventStore spans processes.
type EventStore interface {
	// CreateStream registers a stream and returns its writer. Creating a
	// stream that already exists supersedes the previous writer; the caller
	// is responsible for closing any writer it still holds for that stream.
	CreateStream(ctx context.Context, sessionID, streamID string, mode StreamMode) (EventStreamWriter, error)

	// StreamReader resolves a Last-Event-ID into a reader positioned just
	// after that event. It returns (nil, nil) when the stream is unknown or
	// has expired, and ErrInvalidEventID when the id does not parse.
	StreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error)
}

// EventStreamWriter appends events to one stream.
type EventStreamWriter interface {
	SessionID() string
	StreamID() string
	Mode() StreamMode

	// SetMode flips the stream between Streaming and Polling for readers
	// that are currently following it.
	SetMode(ctx context.Context, mode StreamMode) error

	// WriteEvent persists the event and returns it with its assigned id.
	// Events that already carry an id pass through unchanged. Writes to a
	// completed stream still persist: closed streams keep accumulating
	// events for short-poll readers to drain.
	WriteEvent(ctx context.Context, event SSEEvent) (SSEEvent, error)

	// Close marks the stream completed in metadata. Idempotent.
	Close(ctx context.Context) error
}

// EventStreamReader replays one stream from a resumption point.
type EventStreamReader interface {
	SessionID() string
	StreamID() string

	// Events yields stored events in sequence order, skipping sequence
	// numbers whose payload has expired. Once caught up it completes
	// (Polling mode, or Streaming mode on a completed stream) or keeps
	// polling the store for more (Streaming mode). A yielded non-nil error
	// ends the sequence.
	Events(ctx context.Context) iter.Seq2[SSEEvent, error]
}
