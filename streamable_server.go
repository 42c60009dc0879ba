// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcptransport/streamhttp/internal/httputil"
)

// ResponseMode selects how correlated POST responses are delivered.
type ResponseMode int

const (
	// ResponseModeSSE streams responses as Server-Sent Events.
	ResponseModeSSE ResponseMode = iota
	// ResponseModeJSON buffers responses into a plain JSON body. Interim
	// messages produced before the final response divert to the standalone
	// GET stream.
	ResponseModeJSON
)

// HTTPContextFunc enriches a request context with information from the HTTP
// request before any message is dispatched.
type HTTPContextFunc func(ctx context.Context, r *http.Request) context.Context

// UserResolver extracts an authenticated principal from an HTTP request. The
// result is visible to handlers through MessageContext.User.
type UserResolver func(r *http.Request) interface{}

// RecoveredSession carries the state needed to rebuild a session that
// another process (or a previous incarnation of this one) negotiated.
type RecoveredSession struct {
	ProtocolVersion string
}

// SessionRecoverer is consulted when a POST names an unknown session id.
// Returning a RecoveredSession re-creates the session under the same id so
// that a shared event store keeps resumption working across processes.
// Returning (nil, nil) rejects the request with 404.
type SessionRecoverer func(ctx context.Context, sessionID string) (*RecoveredSession, error)

// OnInitializeFunc observes initialize requests after the protocol version
// has been recorded on the session.
type OnInitializeFunc func(ctx context.Context, sessionID string, params *InitializeParams)

// StreamableHTTPHandler is the http.Handler of the transport: POST carries
// client-to-server messages (answered over SSE or JSON), GET opens the
// standalone server-to-client stream, DELETE terminates the session. Mount
// it wherever the MCP endpoint should live.
type StreamableHTTPHandler struct {
	logger     Logger
	dispatcher Dispatcher
	metrics    MetricsRecorder

	store               EventStore
	stateless           bool
	getSSEEnabled       bool
	responseMode        ResponseMode
	retryInterval       time.Duration
	inboxSize           int
	standaloneQueueSize int
	keepAlive           time.Duration
	contextFlow         bool
	idleTimeout         time.Duration

	httpContextFuncs   []HTTPContextFunc
	userResolver       UserResolver
	sessionRecoverer   SessionRecoverer
	onInitialize       OnInitializeFunc
	sessionIDGenerator func() string

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	done      chan struct{}
	closeOnce sync.Once
}

type sessionEntry struct {
	transport  *SessionTransport
	lastActive atomic.Int64 // unix nanos
}

// HandlerOption configures a StreamableHTTPHandler.
type HandlerOption func(*StreamableHTTPHandler)

// WithEventStore enables resumability: SSE events persist in the store and
// clients replay them with Last-Event-ID.
func WithEventStore(store EventStore) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.store = store
	}
}

// WithStatelessMode makes every POST run against a throwaway session whose
// id is never disclosed. GET and DELETE answer 405.
func WithStatelessMode() HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.stateless = true
	}
}

// WithGetSSEEnabled toggles the standalone GET stream. Disabled, GET answers
// 405 with an Allow header.
func WithGetSSEEnabled(enabled bool) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.getSSEEnabled = enabled
	}
}

// WithResponseMode selects SSE (default) or buffered JSON for correlated
// POST responses.
func WithResponseMode(mode ResponseMode) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.responseMode = mode
	}
}

// WithRetryInterval sets the reconnect cadence advertised by priming frames.
func WithRetryInterval(interval time.Duration) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.retryInterval = interval
	}
}

// WithInboxSize sets the per-session inbound message buffer. Delivery blocks
// once it fills, back-pressuring the POST.
func WithInboxSize(n int) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.inboxSize = n
	}
}

// WithStandaloneQueueSize sets the standalone stream's frame buffer. The
// queue drops its oldest frame when full.
func WithStandaloneQueueSize(n int) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.standaloneQueueSize = n
	}
}

// WithHTTPContextFunc registers a context enrichment hook; hooks run in
// registration order on every request.
func WithHTTPContextFunc(fn HTTPContextFunc) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.httpContextFuncs = append(h.httpContextFuncs, fn)
	}
}

// WithContextFlow captures a detached copy of the enriched request context
// into each MessageContext, so handlers that outlive the HTTP exchange keep
// seeing request-scoped values.
func WithContextFlow(enabled bool) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.contextFlow = enabled
	}
}

// WithUserResolver resolves the authenticated principal for each request.
func WithUserResolver(resolver UserResolver) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.userResolver = resolver
	}
}

// WithSessionRecoverer installs the hook that rebuilds sessions created by
// other processes.
func WithSessionRecoverer(recoverer SessionRecoverer) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.sessionRecoverer = recoverer
	}
}

// WithSessionIdleTimeout evicts sessions idle longer than d. Zero (the
// default) disables eviction.
func WithSessionIdleTimeout(d time.Duration) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.idleTimeout = d
	}
}

// WithKeepAlive emits ": ping" comment frames on idle GET streams at the
// given interval. Zero disables keep-alives.
func WithKeepAlive(interval time.Duration) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.keepAlive = interval
	}
}

// WithHandlerLogger sets the logger for the handler and its sessions.
func WithHandlerLogger(logger Logger) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.logger = logger
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.metrics = recorder
	}
}

// WithSessionIDGenerator replaces the random session id generator.
func WithSessionIDGenerator(generator func() string) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.sessionIDGenerator = generator
	}
}

// WithOnInitialize registers a hook fired on every observed initialize
// request.
func WithOnInitialize(hook OnInitializeFunc) HandlerOption {
	return func(h *StreamableHTTPHandler) {
		h.onInitialize = hook
	}
}

// NewStreamableHTTPHandler builds the transport around a dispatcher.
func NewStreamableHTTPHandler(dispatcher Dispatcher, opts ...HandlerOption) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		logger:              GetDefaultLogger(),
		dispatcher:          dispatcher,
		metrics:             nopMetricsRecorder{},
		getSSEEnabled:       true,
		responseMode:        ResponseModeSSE,
		retryInterval:       defaultRetryInterval,
		inboxSize:           defaultInboxSize,
		standaloneQueueSize: defaultStandaloneQueueSize,
		sessionIDGenerator:  defaultSessionIDGenerator,
		sessions:            make(map[string]*sessionEntry),
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = GetDefaultLogger()
	}
	if h.metrics == nil {
		h.metrics = nopMetricsRecorder{}
	}
	if h.idleTimeout > 0 {
		go h.sweepIdleSessions()
	}
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusCapturingWriter{ResponseWriter: w}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(sw, r)
	case http.MethodGet:
		h.handleGet(sw, r)
	case http.MethodDelete:
		h.handleDelete(sw, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		h.writeError(sw, http.StatusMethodNotAllowed, ErrCodeInvalidRequest, "method not allowed")
	}

	status := sw.Status()
	if status == 0 {
		// net/http sends an implicit 200 for handlers that never write.
		status = http.StatusOK
	}
	h.metrics.IncRequests(r.Method, strconv.Itoa(status))
	h.metrics.ObserveRequestDuration(r.Method, float64(time.Since(start))/float64(time.Millisecond))
}

// handlePost validates headers and body, resolves the session, and runs the
// POST protocol against it.
func (h *StreamableHTTPHandler) handlePost(w *statusCapturingWriter, r *http.Request) {
	if httputil.MediaType(r.Header.Get(httputil.ContentTypeHeader)) != httputil.ContentTypeJSON {
		h.writeError(w, http.StatusUnsupportedMediaType, ErrCodeInvalidRequest,
			"Content-Type must be application/json")
		return
	}
	if !httputil.AcceptsAll(r.Header.Get(httputil.AcceptHeader),
		httputil.ContentTypeJSON, httputil.ContentTypeSSE) {
		h.writeError(w, http.StatusNotAcceptable, ErrCodeInvalidRequest,
			"Accept must include application/json and text/event-stream")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeParse, "failed to read request body")
		return
	}
	msgs, _, err := parseJSONRPCBody(body)
	if err != nil {
		code := ErrCodeInvalidRequest
		if errors.Is(err, ErrParseJSONRPC) {
			code = ErrCodeParse
		}
		h.writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	ctx := h.enrichContext(r)
	if h.userResolver != nil {
		if user := h.userResolver(r); user != nil {
			ctx = ContextWithUser(ctx, user)
		}
	}

	if h.stateless {
		h.servePostStateless(ctx, w, msgs)
		return
	}

	session, ok := h.resolvePostSession(ctx, w, r, msgs)
	if !ok {
		return
	}
	w.Header().Set(httputil.SessionIDHeader, session.SessionID())

	wrote, err := session.HandlePost(ctx, w, msgs, r.Header.Get(httputil.LastEventIDHeader))
	if err != nil {
		h.respondPostError(w, err)
		return
	}
	if !wrote {
		w.WriteHeader(http.StatusAccepted)
	}
}

// resolvePostSession maps the Mcp-Session-Id header onto a live session. A
// missing header is only acceptable for initialize requests, which create a
// session. Unknown ids go through the recoverer before being rejected.
func (h *StreamableHTTPHandler) resolvePostSession(ctx context.Context, w *statusCapturingWriter,
	r *http.Request, msgs []JSONRPCMessage) (*SessionTransport, bool) {
	sessionID := r.Header.Get(httputil.SessionIDHeader)
	if sessionID == "" {
		if !containsInitialize(msgs) {
			h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"missing Mcp-Session-Id header for non-initialize request")
			return nil, false
		}
		session := h.startSession(h.sessionIDGenerator())
		h.logger.Infof("created session %s for initialize request", session.SessionID())
		return session, true
	}

	if session := h.lookupSession(sessionID); session != nil {
		return session, true
	}

	if h.sessionRecoverer != nil {
		restored, err := h.sessionRecoverer(ctx, sessionID)
		if err != nil {
			h.logger.Errorf("session recovery failed for %s: %v", sessionID, err)
			h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "session recovery failed")
			return nil, false
		}
		if restored != nil {
			session := h.startSession(sessionID, withSessionProtocolVersion(restored.ProtocolVersion))
			h.logger.Infof("recovered session %s", sessionID)
			return session, true
		}
	}

	h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, "session not found or expired")
	return nil, false
}

// servePostStateless runs one POST against a throwaway session. The session
// id is never disclosed and the dispatcher lives only as long as the
// request.
func (h *StreamableHTTPHandler) servePostStateless(ctx context.Context, w *statusCapturingWriter,
	msgs []JSONRPCMessage) {
	session := newSessionTransport(h.sessionIDGenerator(),
		withSessionLogger(h.logger),
		withSessionStateless(),
		withSessionResponseMode(h.responseMode),
		withSessionRetryInterval(h.retryInterval),
		withSessionInboxSize(h.inboxSize),
		withSessionContextFlow(h.contextFlow),
		withSessionOnInitialize(h.onInitialize),
	)
	defer session.Close()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Errorf("dispatcher panic for stateless request: %v", rec)
			}
			session.Close()
		}()
		h.dispatcher.ServeSession(session.Context(), session)
	}()

	wrote, err := session.HandlePost(ctx, w, msgs, "")
	if err != nil {
		h.respondPostError(w, err)
		return
	}
	if !wrote {
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleGet opens (or resumes) the standalone SSE stream.
func (h *StreamableHTTPHandler) handleGet(w *statusCapturingWriter, r *http.Request) {
	if h.stateless {
		h.writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest,
			"standalone SSE is not available in stateless mode")
		return
	}
	if !h.getSSEEnabled {
		w.Header().Set("Allow", "POST, DELETE")
		h.writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest, "GET method not enabled")
		return
	}
	if !httputil.AcceptsAll(r.Header.Get(httputil.AcceptHeader), httputil.ContentTypeSSE) {
		h.writeError(w, http.StatusNotAcceptable, ErrCodeInvalidRequest,
			"Accept must include text/event-stream")
		return
	}

	sessionID := r.Header.Get(httputil.SessionIDHeader)
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing Mcp-Session-Id header")
		return
	}
	session := h.lookupSession(sessionID)
	if session == nil {
		h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, "session not found or expired")
		return
	}
	w.Header().Set(httputil.SessionIDHeader, session.SessionID())

	ctx := h.enrichContext(r)
	if err := session.HandleGet(ctx, w, r.Header.Get(httputil.LastEventIDHeader)); err != nil {
		h.respondGetError(w, err)
	}
}

// handleDelete terminates a session.
func (h *StreamableHTTPHandler) handleDelete(w *statusCapturingWriter, r *http.Request) {
	if h.stateless {
		h.writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest,
			"session termination is not available in stateless mode")
		return
	}
	sessionID := r.Header.Get(httputil.SessionIDHeader)
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing Mcp-Session-Id header")
		return
	}
	if !h.terminateSession(sessionID) {
		h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, "session not found or expired")
		return
	}
	h.logger.Infof("terminated session %s", sessionID)
	w.Header().Set(httputil.SessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
}

// respondPostError maps a POST failure onto an HTTP status. Once streaming
// has begun the status line is gone; the error is only logged.
func (h *StreamableHTTPHandler) respondPostError(w *statusCapturingWriter, err error) {
	if w.Status() != 0 {
		h.logger.Debugf("POST stream ended with error after headers were sent: %v", err)
		return
	}
	switch {
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrEventNotFound),
		errors.Is(err, ErrStreamNotFound):
		h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, ErrInvalidEventID):
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away before headers; nothing to report.
	default:
		h.logger.Errorf("POST handling failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// respondGetError maps a GET failure onto an HTTP status, with the same
// after-headers rule as POST.
func (h *StreamableHTTPHandler) respondGetError(w *statusCapturingWriter, err error) {
	if w.Status() != 0 {
		h.logger.Debugf("GET stream ended with error after headers were sent: %v", err)
		return
	}
	switch {
	case errors.Is(err, ErrGetAlreadyActive), errors.Is(err, ErrInvalidEventID):
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrEventNotFound),
		errors.Is(err, ErrStreamNotFound):
		h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, context.Canceled):
	default:
		h.logger.Errorf("GET handling failed: %v", err)
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// enrichContext runs the configured HTTPContextFuncs over the request
// context.
func (h *StreamableHTTPHandler) enrichContext(r *http.Request) context.Context {
	ctx := r.Context()
	for _, fn := range h.httpContextFuncs {
		ctx = fn(ctx, r)
	}
	return ctx
}

// startSession registers a new session under id and hands it to the
// dispatcher on its own goroutine. A concurrent registration of the same id
// wins; the duplicate is discarded.
func (h *StreamableHTTPHandler) startSession(id string, extra ...sessionOption) *SessionTransport {
	opts := []sessionOption{
		withSessionLogger(h.logger),
		withSessionMetrics(h.metrics),
		withSessionStore(h.store),
		withSessionResponseMode(h.responseMode),
		withSessionRetryInterval(h.retryInterval),
		withSessionInboxSize(h.inboxSize),
		withSessionStandaloneQueueSize(h.standaloneQueueSize),
		withSessionKeepAlive(h.keepAlive),
		withSessionContextFlow(h.contextFlow),
		withSessionOnInitialize(h.onInitialize),
	}
	opts = append(opts, extra...)
	session := newSessionTransport(id, opts...)

	entry := &sessionEntry{transport: session}
	entry.lastActive.Store(time.Now().UnixNano())

	h.mu.Lock()
	if existing, ok := h.sessions[id]; ok {
		h.mu.Unlock()
		_ = session.Close()
		return existing.transport
	}
	h.sessions[id] = entry
	h.mu.Unlock()

	h.metrics.IncSessions(1)
	go h.runDispatcher(session)
	return session
}

// runDispatcher owns the per-session dispatcher goroutine. The session
// terminates when the dispatcher returns, however it returns.
func (h *StreamableHTTPHandler) runDispatcher(session *SessionTransport) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Errorf("dispatcher panic for session %s: %v", session.SessionID(), rec)
		}
		h.terminateSession(session.SessionID())
	}()
	h.dispatcher.ServeSession(session.Context(), session)
}

// lookupSession returns a live session and refreshes its activity stamp.
func (h *StreamableHTTPHandler) lookupSession(id string) *SessionTransport {
	h.mu.RLock()
	entry := h.sessions[id]
	h.mu.RUnlock()
	if entry == nil {
		return nil
	}
	entry.lastActive.Store(time.Now().UnixNano())
	return entry.transport
}

// terminateSession removes and closes a session, reporting whether it
// existed.
func (h *StreamableHTTPHandler) terminateSession(id string) bool {
	h.mu.Lock()
	entry, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	_ = entry.transport.Close()
	h.metrics.IncSessions(-1)
	return true
}

// ActiveSessions returns the ids of all live sessions.
func (h *StreamableHTTPHandler) ActiveSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close terminates every live session and stops the idle sweeper.
func (h *StreamableHTTPHandler) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		for _, id := range h.ActiveSessions() {
			h.terminateSession(id)
		}
	})
	return nil
}

// sweepIdleSessions evicts sessions whose last activity is older than the
// idle timeout.
func (h *StreamableHTTPHandler) sweepIdleSessions() {
	ticker := time.NewTicker(sweepTick(h.idleTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-h.idleTimeout).UnixNano()
			for _, id := range h.idleSessionIDs(cutoff) {
				h.logger.Infof("evicting idle session %s", id)
				h.terminateSession(id)
			}
		case <-h.done:
			return
		}
	}
}

func sweepTick(idleTimeout time.Duration) time.Duration {
	tick := idleTimeout / 2
	if tick > time.Minute {
		tick = time.Minute
	}
	if tick <= 0 {
		tick = idleTimeout
	}
	return tick
}

func (h *StreamableHTTPHandler) idleSessionIDs(cutoff int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for id, entry := range h.sessions {
		if entry.lastActive.Load() < cutoff {
			ids = append(ids, id)
		}
	}
	return ids
}

// writeError sends a JSON-RPC error object as the HTTP response body.
func (h *StreamableHTTPHandler) writeError(w http.ResponseWriter, status, code int, message string) {
	body, err := json.Marshal(NewJSONRPCErrorResponse(nil, code, message, nil))
	if err != nil {
		h.logger.Errorf("failed to encode error response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(httputil.ContentTypeHeader, httputil.ContentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Debugf("failed to write error response: %v", err)
	}
}

// containsInitialize reports whether any message in the POST is an
// initialize request.
func containsInitialize(msgs []JSONRPCMessage) bool {
	for _, msg := range msgs {
		if req, ok := msg.(*JSONRPCRequest); ok && req.Method == MethodInitialize {
			return true
		}
	}
	return false
}

// defaultSessionIDGenerator returns 32 hex characters of crypto/rand
// entropy.
func defaultSessionIDGenerator() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to generate random session ID: %w", err))
	}
	return hex.EncodeToString(buf)
}

// statusCapturingWriter records the first status written so method handlers
// can tell whether streaming already began, and so request counts carry a
// status label.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush passes through so SSE streaming works behind the wrapper.
func (w *statusCapturingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Status returns the first status written, or 0 before headers.
func (w *statusCapturingWriter) Status() int {
	return w.status
}
