// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamhttp "github.com/mcptransport/streamhttp"
)

// TestDeferredReplyResumption interrupts an exchange before its reply and
// recovers the reply by reconnecting with Last-Event-ID.
func TestDeferredReplyResumption(t *testing.T) {
	store := streamhttp.NewMemoryEventStore(
		streamhttp.WithMemoryPollingInterval(5 * time.Millisecond))
	defer store.Close()

	serverURL, _, cleanup := StartTestServer(t, streamhttp.WithEventStore(store))
	defer cleanup()

	sessionID := InitializeSession(t, serverURL)

	// The dispatcher closes the POST body before replying, so the client
	// only sees the priming frame.
	resp := PostJSON(t, serverURL, sessionID, RequestBody(2, "tools/deferred"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := ParseSSE(ReadAllBody(t, resp))
	require.NotEmpty(t, frames)
	require.Equal(t, "priming", frames[0].Event)
	require.NotEmpty(t, frames[0].ID)
	assert.Empty(t, MessageFrames(frames))

	// Reconnecting from the priming frame replays the missed reply.
	resumed := GetStream(t, serverURL, sessionID, frames[0].ID)
	require.Equal(t, http.StatusOK, resumed.StatusCode)
	replayed := MessageFrames(ParseSSE(ReadAllBody(t, resumed)))
	require.Len(t, replayed, 1)
	assert.Contains(t, replayed[0].Data, "tools/deferred")
	assert.NotEmpty(t, replayed[0].ID)

	// The session keeps serving after the detour.
	next := PostJSON(t, serverURL, sessionID, RequestBody(3, "tools/list"))
	require.Equal(t, http.StatusOK, next.StatusCode)
	nextFrames := MessageFrames(ParseSSE(ReadAllBody(t, next)))
	require.Len(t, nextFrames, 1)
	assert.Contains(t, nextFrames[0].Data, "tools/list")
}

// TestResumptionAcrossServers drives the failover story: a second server
// process sharing the event store recovers the session and replays an
// exchange the first server started.
func TestResumptionAcrossServers(t *testing.T) {
	store := streamhttp.NewMemoryEventStore(
		streamhttp.WithMemoryPollingInterval(5 * time.Millisecond))
	defer store.Close()

	urlA, _, cleanupA := StartTestServer(t, streamhttp.WithEventStore(store))
	defer cleanupA()

	sessionID := InitializeSession(t, urlA)
	resp := PostJSON(t, urlA, sessionID, RequestBody(2, "tools/deferred"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := ParseSSE(ReadAllBody(t, resp))
	require.NotEmpty(t, frames)
	primingID := frames[0].ID
	require.NotEmpty(t, primingID)

	urlB, handlerB, cleanupB := StartTestServer(t,
		streamhttp.WithEventStore(store),
		streamhttp.WithSessionRecoverer(func(ctx context.Context, id string) (*streamhttp.RecoveredSession, error) {
			return &streamhttp.RecoveredSession{ProtocolVersion: "2025-11-25"}, nil
		}),
	)
	defer cleanupB()

	// A POST against the second server re-creates the session under the
	// same id.
	respB := PostJSON(t, urlB, sessionID, RequestBody(3, "tools/list"))
	require.Equal(t, http.StatusOK, respB.StatusCode)
	assert.Equal(t, sessionID, respB.Header.Get("Mcp-Session-Id"))
	echoed := MessageFrames(ParseSSE(ReadAllBody(t, respB)))
	require.Len(t, echoed, 1)
	assert.Contains(t, echoed[0].Data, "tools/list")
	assert.Contains(t, handlerB.ActiveSessions(), sessionID)

	// The exchange interrupted on the first server replays through the
	// second one.
	resumed := GetStream(t, urlB, sessionID, primingID)
	require.Equal(t, http.StatusOK, resumed.StatusCode)
	replayed := MessageFrames(ParseSSE(ReadAllBody(t, resumed)))
	require.Len(t, replayed, 1)
	assert.Contains(t, replayed[0].Data, "tools/deferred")
}
