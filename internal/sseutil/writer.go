// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

// Package sseutil writes Server-Sent Event frames and the response headers
// an event stream needs.
package sseutil

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// ContentTypeEventStream is the SSE content type.
	ContentTypeEventStream = "text/event-stream"
)

// Event represents a single Server-Sent Event frame.
type Event struct {
	// Type is the event name, written as "event: <type>" when non-empty.
	Type string
	// ID is the event id, written as "id: <id>" when non-empty.
	ID string
	// Retry is the client reconnect interval, written as "retry: <ms>" when
	// positive.
	Retry time.Duration
	// Data is the pre-serialized payload. Multi-line payloads are split into
	// consecutive "data:" lines. Frames always carry at least one "data:"
	// line, empty for priming-style events.
	Data []byte
	// Comment, when non-empty, makes the frame a bare ": <comment>"
	// keep-alive; all other fields are ignored.
	Comment string
}

// WriteEvent writes one SSE frame to w and flushes it when w supports
// flushing. Event ids and types must not contain newlines; the caller
// controls both, so this is not revalidated here.
func WriteEvent(w io.Writer, event Event) error {
	if event.Comment != "" {
		if _, err := fmt.Fprintf(w, ": %s\n\n", event.Comment); err != nil {
			return fmt.Errorf("failed to write SSE comment: %w", err)
		}
		flush(w)
		return nil
	}

	if event.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event.Retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n", event.Retry.Milliseconds()); err != nil {
			return fmt.Errorf("failed to write SSE retry: %w", err)
		}
	}

	// Every payload line becomes its own "data:" field. An empty payload
	// still yields one empty data line so clients dispatch the frame.
	dataStr := string(event.Data)
	if dataStr == "" {
		if _, err := fmt.Fprint(w, "data:\n"); err != nil {
			return fmt.Errorf("failed to write SSE event data line: %w", err)
		}
	} else {
		lines := strings.Split(strings.TrimSuffix(dataStr, "\n"), "\n")
		for _, line := range lines {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return fmt.Errorf("failed to write SSE event data line: %w", err)
			}
		}
	}

	// A blank line closes the frame.
	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return fmt.Errorf("failed to write SSE event terminator: %w", err)
	}

	flush(w)
	return nil
}

func flush(w io.Writer) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// SetStandardHeaders sets the SSE response headers. Content-Encoding is
// pinned to identity so intermediaries do not buffer whole frames.
func SetStandardHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Encoding", "identity")
}
