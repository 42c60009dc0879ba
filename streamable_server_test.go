// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}`

func jsonRequestBody(id int, method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"%s"}`, id, method)
}

// newTestServer runs a handler behind httptest. Sessions are torn down before
// the listener so streaming requests cannot stall shutdown.
func newTestServer(t *testing.T, dispatcher Dispatcher, opts ...HandlerOption) (*httptest.Server, *StreamableHTTPHandler) {
	t.Helper()
	handler := NewStreamableHTTPHandler(dispatcher, opts...)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return srv, handler
}

func doPost(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func doGet(t *testing.T, url, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
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

func doDelete(t *testing.T, url, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// initializeSession performs the handshake and returns the session id.
func initializeSession(t *testing.T, url string) string {
	t.Helper()
	resp := doPost(t, url, "", initializeBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return sessionID
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func decodeRPCError(t *testing.T, resp *http.Response) JSONRPCError {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var rpcErr JSONRPCError
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &rpcErr))
	return rpcErr
}

func TestHandlerPostValidation(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher())

	t.Run("wrong content type", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(initializeBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Accept", "application/json, text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
		rpcErr := decodeRPCError(t, resp)
		assert.Equal(t, ErrCodeInvalidRequest, rpcErr.Error.Code)
	})

	t.Run("content type with charset accepted", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(initializeBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Accept", "application/json, text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("accept missing event-stream", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(initializeBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := doPost(t, srv.URL, "", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		rpcErr := decodeRPCError(t, resp)
		assert.Equal(t, ErrCodeParse, rpcErr.Error.Code)
	})

	t.Run("empty batch", func(t *testing.T) {
		resp := doPost(t, srv.URL, "", "[]")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		rpcErr := decodeRPCError(t, resp)
		assert.Equal(t, ErrCodeInvalidRequest, rpcErr.Error.Code)
	})

	t.Run("non-initialize without session header", func(t *testing.T) {
		resp := doPost(t, srv.URL, "", jsonRequestBody(1, "tools/list"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := doPost(t, srv.URL, "no-such-session", jsonRequestBody(1, "tools/list"))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		readBody(t, resp)
	})
}

func TestHandlerInitializeCreatesSession(t *testing.T) {
	srv, handler := newTestServer(t, echoDispatcher())

	resp := doPost(t, srv.URL, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	assert.Contains(t, handler.ActiveSessions(), sessionID)

	frames := messageFrames(parseSSEFrames(readBody(t, resp)))
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Data, "initialize")
}

func TestHandlerPostEchoesOnExistingSession(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher())
	sessionID := initializeSession(t, srv.URL)

	resp := doPost(t, srv.URL, sessionID, jsonRequestBody(2, "tools/list"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get("Mcp-Session-Id"))

	frames := messageFrames(parseSSEFrames(readBody(t, resp)))
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Data, "tools/list")
}

func TestHandlerNotificationOnlyReturns202(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher())
	sessionID := initializeSession(t, srv.URL)

	resp := doPost(t, srv.URL, sessionID, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestHandlerDeleteTerminatesSession(t *testing.T) {
	srv, handler := newTestServer(t, echoDispatcher())
	sessionID := initializeSession(t, srv.URL)

	resp := doDelete(t, srv.URL, sessionID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get("Mcp-Session-Id"))
	readBody(t, resp)
	assert.Empty(t, handler.ActiveSessions())

	resp = doPost(t, srv.URL, sessionID, jsonRequestBody(2, "tools/list"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)

	resp = doDelete(t, srv.URL, sessionID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)

	resp = doDelete(t, srv.URL, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	readBody(t, resp)
}

func TestHandlerRejectsUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher())

	req, err := http.NewRequest(http.MethodPut, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST, GET, DELETE", resp.Header.Get("Allow"))
	readBody(t, resp)
}

func TestHandlerStatelessMode(t *testing.T) {
	srv, handler := newTestServer(t, echoDispatcher(), WithStatelessMode())

	t.Run("post without session header", func(t *testing.T) {
		resp := doPost(t, srv.URL, "", jsonRequestBody(1, "tools/list"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Mcp-Session-Id"))

		frames := messageFrames(parseSSEFrames(readBody(t, resp)))
		require.Len(t, frames, 1)
		assert.Contains(t, frames[0].Data, "tools/list")
		assert.Empty(t, handler.ActiveSessions())
	})

	t.Run("get refused", func(t *testing.T) {
		resp := doGet(t, srv.URL, "whatever", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("delete refused", func(t *testing.T) {
		resp := doDelete(t, srv.URL, "whatever")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		readBody(t, resp)
	})
}

func TestHandlerStandaloneGetStream(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher())
	sessionID := initializeSession(t, srv.URL)

	resp := doGet(t, srv.URL, sessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	defer resp.Body.Close()

	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "server/notice") {
				close(found)
				return
			}
		}
	}()

	// Trigger an unsolicited server message through the dispatcher.
	trigger := doPost(t, srv.URL, sessionID, `{"jsonrpc":"2.0","method":"notify/standalone"}`)
	assert.Equal(t, http.StatusAccepted, trigger.StatusCode)
	readBody(t, trigger)

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatal("standalone stream never carried the server notice")
	}

	// Only one standalone stream per session.
	second := doGet(t, srv.URL, sessionID, "")
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	readBody(t, second)
}

func TestHandlerGetValidation(t *testing.T) {
	store := NewMemoryEventStore()
	defer store.Close()
	srv, _ := newTestServer(t, echoDispatcher(), WithEventStore(store))
	sessionID := initializeSession(t, srv.URL)

	t.Run("missing accept", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("missing session header", func(t *testing.T) {
		resp := doGet(t, srv.URL, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := doGet(t, srv.URL, "no-such-session", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("malformed last event id", func(t *testing.T) {
		resp := doGet(t, srv.URL, sessionID, "garbage")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("unknown last event id", func(t *testing.T) {
		resp := doGet(t, srv.URL, sessionID, FormatEventID("ghost", "ghost", 1))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		readBody(t, resp)
	})
}

func TestHandlerGetDisabled(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher(), WithGetSSEEnabled(false))
	sessionID := initializeSession(t, srv.URL)

	resp := doGet(t, srv.URL, sessionID, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST, DELETE", resp.Header.Get("Allow"))
	readBody(t, resp)
}

func TestHandlerJSONResponseMode(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher(), WithResponseMode(ResponseModeJSON))

	resp := doPost(t, srv.URL, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	var initReply JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &initReply))
	assert.EqualValues(t, 1, initReply.ID)

	batch := fmt.Sprintf("[%s,%s]", jsonRequestBody(2, "tools/list"), jsonRequestBody(3, "prompts/list"))
	resp = doPost(t, srv.URL, sessionID, batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var replies []JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &replies))
	require.Len(t, replies, 2)
	assert.EqualValues(t, 2, replies[0].ID)
	assert.EqualValues(t, 3, replies[1].ID)
}

func TestHandlerResumesStreamWithLastEventID(t *testing.T) {
	store := NewMemoryEventStore(WithMemoryPollingInterval(5 * time.Millisecond))
	defer store.Close()
	srv, _ := newTestServer(t, echoDispatcher(), WithEventStore(store))

	resp := doPost(t, srv.URL, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")

	frames := parseSSEFrames(readBody(t, resp))
	require.Len(t, frames, 2)
	require.Equal(t, "priming", frames[0].Event)
	require.NotEmpty(t, frames[0].ID)
	require.Equal(t, "message", frames[1].Event)

	// Reconnecting with the priming id replays the exchange's response.
	resumed := doGet(t, srv.URL, sessionID, frames[0].ID)
	require.Equal(t, http.StatusOK, resumed.StatusCode)
	replayed := messageFrames(parseSSEFrames(readBody(t, resumed)))
	require.Len(t, replayed, 1)
	assert.Equal(t, frames[1].ID, replayed[0].ID)
	assert.Equal(t, frames[1].Data, replayed[0].Data)
}

func TestHandlerSessionRecoverer(t *testing.T) {
	t.Run("recovers and serves", func(t *testing.T) {
		store := NewMemoryEventStore()
		defer store.Close()
		srv, handler := newTestServer(t, echoDispatcher(),
			WithEventStore(store),
			WithSessionRecoverer(func(ctx context.Context, sessionID string) (*RecoveredSession, error) {
				return &RecoveredSession{ProtocolVersion: "2025-11-25"}, nil
			}),
		)

		resp := doPost(t, srv.URL, "recovered-1", jsonRequestBody(5, "tools/list"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "recovered-1", resp.Header.Get("Mcp-Session-Id"))
		assert.Contains(t, handler.ActiveSessions(), "recovered-1")

		// The recovered protocol version makes the exchange resumable.
		frames := parseSSEFrames(readBody(t, resp))
		require.NotEmpty(t, frames)
		assert.Equal(t, "priming", frames[0].Event)
	})

	t.Run("recoverer declines", func(t *testing.T) {
		srv, _ := newTestServer(t, echoDispatcher(),
			WithSessionRecoverer(func(ctx context.Context, sessionID string) (*RecoveredSession, error) {
				return nil, nil
			}),
		)
		resp := doPost(t, srv.URL, "missing-1", jsonRequestBody(5, "tools/list"))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		readBody(t, resp)
	})

	t.Run("recoverer fails", func(t *testing.T) {
		srv, _ := newTestServer(t, echoDispatcher(),
			WithSessionRecoverer(func(ctx context.Context, sessionID string) (*RecoveredSession, error) {
				return nil, fmt.Errorf("backend unavailable")
			}),
		)
		resp := doPost(t, srv.URL, "missing-1", jsonRequestBody(5, "tools/list"))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		readBody(t, resp)
	})
}

func TestHandlerEvictsIdleSessions(t *testing.T) {
	srv, handler := newTestServer(t, echoDispatcher(),
		WithSessionIdleTimeout(50*time.Millisecond))

	sessionID := initializeSession(t, srv.URL)
	require.Len(t, handler.ActiveSessions(), 1)

	require.Eventually(t, func() bool {
		return len(handler.ActiveSessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	resp := doPost(t, srv.URL, sessionID, jsonRequestBody(2, "tools/list"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)
}

func TestHandlerRecordsMetrics(t *testing.T) {
	store := NewMemoryEventStore()
	defer store.Close()
	metrics := NewInMemoryMetricsRecorder()
	srv, _ := newTestServer(t, echoDispatcher(),
		WithEventStore(store), WithMetricsRecorder(metrics))

	resp := doPost(t, srv.URL, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	frames := parseSSEFrames(readBody(t, resp))
	require.NotEmpty(t, frames)

	assert.Equal(t, 1, metrics.RequestCount(http.MethodPost, "200"))
	assert.Equal(t, 1, metrics.ActiveSessions())

	// Priming and response both persisted under the POST stream.
	metrics.mu.Lock()
	written := metrics.EventsWritten["post"]
	metrics.mu.Unlock()
	assert.Equal(t, 2, written)

	resumed := doGet(t, srv.URL, sessionID, frames[0].ID)
	require.Equal(t, http.StatusOK, resumed.StatusCode)
	readBody(t, resumed)
	metrics.mu.Lock()
	replayed := metrics.EventsReplayed
	metrics.mu.Unlock()
	assert.GreaterOrEqual(t, replayed, 1)

	readBody(t, doDelete(t, srv.URL, sessionID))
	assert.Equal(t, 0, metrics.ActiveSessions())
	assert.Equal(t, 1, metrics.RequestCount(http.MethodDelete, "200"))

	bad := doPost(t, srv.URL, "", "{broken")
	readBody(t, bad)
	assert.Equal(t, 1, metrics.RequestCount(http.MethodPost, "400"))
}

func TestHandlerContextEnrichment(t *testing.T) {
	type ctxKey struct{}

	type seen struct {
		user     interface{}
		ctxValue interface{}
	}
	seenCh := make(chan seen, 4)
	dispatcher := DispatcherFunc(func(ctx context.Context, session *SessionTransport) {
		for {
			in, err := session.Receive(ctx)
			if err != nil {
				return
			}
			req, ok := in.Message.(*JSONRPCRequest)
			if !ok {
				continue
			}
			var ctxValue interface{}
			if hc := in.Context.HandlerContext(); hc != nil {
				ctxValue = hc.Value(ctxKey{})
			}
			seenCh <- seen{user: in.Context.User(), ctxValue: ctxValue}
			_ = in.Context.Transport().Send(ctx, NewJSONRPCResponse(req.ID, nil))
		}
	})

	srv, _ := newTestServer(t, dispatcher,
		WithContextFlow(true),
		WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return context.WithValue(ctx, ctxKey{}, r.Header.Get("X-Request-Id"))
		}),
		WithUserResolver(func(r *http.Request) interface{} {
			if auth := r.Header.Get("Authorization"); auth != "" {
				return strings.TrimPrefix(auth, "Bearer ")
			}
			return nil
		}),
	)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(initializeBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	select {
	case got := <-seenCh:
		assert.Equal(t, "alice", got.user)
		assert.Equal(t, "req-42", got.ctxValue)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never saw the request")
	}
}

func TestHandlerOnInitializeHook(t *testing.T) {
	type hookCall struct {
		sessionID string
		version   string
	}
	hooked := make(chan hookCall, 1)
	srv, _ := newTestServer(t, echoDispatcher(),
		WithOnInitialize(func(ctx context.Context, sessionID string, params *InitializeParams) {
			hooked <- hookCall{sessionID: sessionID, version: params.ProtocolVersion}
		}),
	)

	sessionID := initializeSession(t, srv.URL)

	select {
	case call := <-hooked:
		assert.Equal(t, sessionID, call.sessionID)
		assert.Equal(t, "2025-11-25", call.version)
	case <-time.After(2 * time.Second):
		t.Fatal("initialize hook was not called")
	}
}

func TestHandlerSessionIDGenerator(t *testing.T) {
	srv, _ := newTestServer(t, echoDispatcher(),
		WithSessionIDGenerator(func() string { return "fixed-session-id" }))

	sessionID := initializeSession(t, srv.URL)
	assert.Equal(t, "fixed-session-id", sessionID)
}

func TestHandlerCloseTerminatesSessions(t *testing.T) {
	srv, handler := newTestServer(t, echoDispatcher())
	sessionID := initializeSession(t, srv.URL)
	require.Len(t, handler.ActiveSessions(), 1)

	require.NoError(t, handler.Close())
	assert.Empty(t, handler.ActiveSessions())

	resp := doPost(t, srv.URL, sessionID, jsonRequestBody(2, "tools/list"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)
}

func TestDefaultSessionIDGenerator(t *testing.T) {
	first := defaultSessionIDGenerator()
	second := defaultSessionIDGenerator()
	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)
	for _, r := range first {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestSweepTick(t *testing.T) {
	assert.Equal(t, time.Minute, sweepTick(10*time.Minute))
	assert.Equal(t, 15*time.Second, sweepTick(30*time.Second))
	assert.Equal(t, time.Nanosecond, sweepTick(time.Nanosecond))
}
