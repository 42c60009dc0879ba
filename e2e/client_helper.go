// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package e2e

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// InitializeRequestBody is the handshake request used by every scenario.
const InitializeRequestBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}`

// RequestBody builds a simple JSON-RPC request body.
func RequestBody(id int, method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"%s"}`, id, method)
}

// NotificationBody builds a JSON-RPC notification body.
func NotificationBody(method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s"}`, method)
}

// PostJSON sends one POST carrying body, with the session header when
// sessionID is non-empty.
func PostJSON(t *testing.T, serverURL, sessionID, body string) *http.Response {
	t.Helper()
	resp, err := postJSON(serverURL, sessionID, body)
	require.NoError(t, err)
	return resp
}

// postJSON is the raw variant for worker goroutines, which must not call
// require.
func postJSON(serverURL, sessionID, body string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, serverURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	return http.DefaultClient.Do(req)
}

// GetStream opens the SSE GET endpoint, optionally resuming from
// lastEventID.
func GetStream(t *testing.T, serverURL, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, serverURL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// DeleteSession terminates a session.
func DeleteSession(t *testing.T, serverURL, sessionID string) *http.Response {
	t.Helper()
	resp, err := deleteSession(serverURL, sessionID)
	require.NoError(t, err)
	return resp
}

func deleteSession(serverURL, sessionID string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, serverURL, nil)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	return http.DefaultClient.Do(req)
}

// drainBody reads and closes a response body without a testing.T, for
// worker goroutines.
func drainBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// InitializeSession performs the handshake and returns the session id.
func InitializeSession(t *testing.T, serverURL string) string {
	t.Helper()
	resp := PostJSON(t, serverURL, "", InitializeRequestBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return sessionID
}

// ReadAllBody drains and closes a response body.
func ReadAllBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// SSEFrame is one parsed server-sent event.
type SSEFrame struct {
	Event string
	ID    string
	Retry string
	Data  string
}

// ParseSSE splits a complete SSE body into frames. Comment-only frames are
// dropped.
func ParseSSE(body string) []SSEFrame {
	var frames []SSEFrame
	for _, block := range strings.Split(body, "\n\n") {
		frame, ok := parseSSEBlock(block)
		if ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// MessageFrames filters frames down to "message" events.
func MessageFrames(frames []SSEFrame) []SSEFrame {
	var out []SSEFrame
	for _, f := range frames {
		if f.Event == "message" {
			out = append(out, f)
		}
	}
	return out
}

func parseSSEBlock(block string) (SSEFrame, bool) {
	var frame SSEFrame
	var seen bool
	var dataLines []string
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "id: "):
			frame.ID = strings.TrimPrefix(line, "id: ")
			seen = true
		case strings.HasPrefix(line, "retry: "):
			frame.Retry = strings.TrimPrefix(line, "retry: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			seen = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
			seen = true
		}
	}
	frame.Data = strings.Join(dataLines, "\n")
	return frame, seen
}

// StreamFrames reads SSE frames incrementally from a live response body,
// sending each one onto the returned channel. The channel closes when the
// body ends.
func StreamFrames(body io.Reader) <-chan SSEFrame {
	frames := make(chan SSEFrame, 16)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(body)
		var block []string
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if frame, ok := parseSSEBlock(strings.Join(block, "\n")); ok {
					frames <- frame
				}
				block = block[:0]
				continue
			}
			block = append(block, line)
		}
	}()
	return frames
}
