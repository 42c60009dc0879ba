// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcptransport/streamhttp/internal/sseutil"
)

// resumabilityMinProtocolVersion is the first protocol revision whose
// clients understand priming frames and Last-Event-ID resumption.
const resumabilityMinProtocolVersion = ProtocolVersion_2025_11_25

// supportsResumability reports whether a negotiated protocol revision
// understands event ids. Revisions are ISO dates, so the comparison is
// lexicographic. The empty string (initialize not seen yet) does not
// qualify.
func supportsResumability(version string) bool {
	return version >= resumabilityMinProtocolVersion
}

const (
	defaultInboxSize           = 10
	defaultStandaloneQueueSize = 1
	defaultRetryInterval       = time.Second
)

// SessionTransport owns the server-side state of one MCP session: the inbox
// the dispatcher drains, the negotiated protocol version, the standalone GET
// stream, and disposal. Any number of POSTs may run concurrently against a
// session; at most one GET is active at a time.
type SessionTransport struct {
	id     string
	logger Logger

	stateless     bool
	responseMode  ResponseMode
	store         EventStore
	retryInterval time.Duration
	metrics       MetricsRecorder
	keepAlive     time.Duration
	contextFlow   bool

	inboxSize           int
	standaloneQueueSize int

	onInitialize OnInitializeFunc

	inbox chan *InboundMessage

	lifetimeCtx context.Context
	cancelLife  context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once

	mu              sync.Mutex
	protocolVersion string
	standalone      *sseWriter
	standaloneEW    EventStreamWriter
	getActive       bool
}

type sessionOption func(*SessionTransport)

func withSessionLogger(logger Logger) sessionOption {
	return func(s *SessionTransport) {
		s.logger = logger
	}
}

func withSessionStore(store EventStore) sessionOption {
	return func(s *SessionTransport) {
		s.store = store
	}
}

func withSessionStateless() sessionOption {
	return func(s *SessionTransport) {
		s.stateless = true
	}
}

func withSessionResponseMode(mode ResponseMode) sessionOption {
	return func(s *SessionTransport) {
		s.responseMode = mode
	}
}

func withSessionRetryInterval(interval time.Duration) sessionOption {
	return func(s *SessionTransport) {
		s.retryInterval = interval
	}
}

func withSessionMetrics(metrics MetricsRecorder) sessionOption {
	return func(s *SessionTransport) {
		s.metrics = metrics
	}
}

func withSessionInboxSize(n int) sessionOption {
	return func(s *SessionTransport) {
		s.inboxSize = n
	}
}

func withSessionStandaloneQueueSize(n int) sessionOption {
	return func(s *SessionTransport) {
		s.standaloneQueueSize = n
	}
}

func withSessionKeepAlive(interval time.Duration) sessionOption {
	return func(s *SessionTransport) {
		s.keepAlive = interval
	}
}

func withSessionContextFlow(enabled bool) sessionOption {
	return func(s *SessionTransport) {
		s.contextFlow = enabled
	}
}

func withSessionOnInitialize(hook OnInitializeFunc) sessionOption {
	return func(s *SessionTransport) {
		s.onInitialize = hook
	}
}

// withSessionProtocolVersion seeds the negotiated revision, used when a
// session is recovered from external storage instead of negotiated in-band.
func withSessionProtocolVersion(version string) sessionOption {
	return func(s *SessionTransport) {
		s.protocolVersion = version
	}
}

func newSessionTransport(id string, opts ...sessionOption) *SessionTransport {
	s := &SessionTransport{
		id:                  id,
		logger:              GetDefaultLogger(),
		metrics:             nopMetricsRecorder{},
		retryInterval:       defaultRetryInterval,
		inboxSize:           defaultInboxSize,
		standaloneQueueSize: defaultStandaloneQueueSize,
		done:                make(chan struct{}),
	}
	s.lifetimeCtx, s.cancelLife = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	if s.inboxSize < 1 {
		s.inboxSize = 1
	}
	s.inbox = make(chan *InboundMessage, s.inboxSize)
	return s
}

// SessionID returns the identifier carried in the Mcp-Session-Id header.
func (s *SessionTransport) SessionID() string {
	return s.id
}

// ProtocolVersion returns the revision negotiated by initialize, or the
// empty string before negotiation.
func (s *SessionTransport) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Context returns a context that ends when the session closes.
func (s *SessionTransport) Context() context.Context {
	return s.lifetimeCtx
}

// HandlePost serves one client POST carrying already-parsed messages. It
// reports whether a response body was produced; (false, nil) means the
// caller should answer 202 Accepted. A non-empty lastEventID resumes a
// previously persisted stream instead of starting a new exchange.
func (s *SessionTransport) HandlePost(ctx context.Context, w http.ResponseWriter,
	msgs []JSONRPCMessage, lastEventID string) (bool, error) {
	if s.isClosed() {
		return false, ErrSessionClosed
	}
	ctx, cancel := s.linkLifetime(ctx)
	defer cancel()

	if lastEventID != "" && s.store != nil {
		return s.resumePost(ctx, w, lastEventID)
	}

	user, _ := UserFromContext(ctx)
	var handlerCtx context.Context
	if s.contextFlow {
		handlerCtx = context.WithoutCancel(ctx)
	}
	return newPostTransport(s, msgs, user, handlerCtx).run(ctx, w)
}

// resumePost replays a persisted POST stream from the client's last seen
// event. For an exchange that is still running the reader follows the store,
// so the body picks the exchange back up and ends with its final response.
func (s *SessionTransport) resumePost(ctx context.Context, w http.ResponseWriter,
	lastEventID string) (bool, error) {
	reader, err := s.store.StreamReader(ctx, lastEventID)
	if err != nil {
		return false, err
	}
	if reader == nil {
		return false, fmt.Errorf("%w: no stream for event id %q", ErrEventNotFound, lastEventID)
	}
	sseutil.SetStandardHeaders(w)
	w.WriteHeader(http.StatusOK)
	flushResponse(w)
	return true, s.replayEvents(ctx, w, reader)
}

// HandleGet serves the standalone SSE stream for unsolicited
// server-to-client messages. A non-empty lastEventID resumes from the store
// instead of starting fresh.
func (s *SessionTransport) HandleGet(ctx context.Context, w http.ResponseWriter,
	lastEventID string) error {
	if s.stateless {
		return fmt.Errorf("%w: standalone streams need a persistent session", ErrStatelessMode)
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	ctx, cancel := s.linkLifetime(ctx)
	defer cancel()

	if lastEventID != "" && s.store != nil {
		return s.resumeGet(ctx, w, lastEventID)
	}

	if err := s.claimGet(); err != nil {
		return err
	}
	defer s.releaseGet()

	s.mu.Lock()
	writer := s.ensureStandaloneLocked()
	var eventWriter EventStreamWriter
	if s.resumableLocked() {
		var err error
		eventWriter, err = s.ensureStandaloneEventWriterLocked(ctx)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	sseutil.SetStandardHeaders(w)
	w.WriteHeader(http.StatusOK)
	flushResponse(w)

	// Clients on older protocol revisions get no priming and no event ids.
	if eventWriter != nil {
		if err := writer.sendPriming(ctx, s.retryInterval, eventWriter); err != nil {
			return err
		}
	}
	return writer.writeAll(ctx, w)
}

// resumeGet serves a GET carrying Last-Event-ID. Resuming the standalone
// stream claims the GET slot and follows the store for live traffic, which
// persists before it is queued, so no frame is missed between replay and
// live. An id from a POST stream replays that exchange instead.
func (s *SessionTransport) resumeGet(ctx context.Context, w http.ResponseWriter,
	lastEventID string) error {
	reader, err := s.store.StreamReader(ctx, lastEventID)
	if err != nil {
		return err
	}
	if reader == nil {
		return fmt.Errorf("%w: no stream for event id %q", ErrEventNotFound, lastEventID)
	}
	if reader.StreamID() == standaloneStreamID {
		if err := s.claimGet(); err != nil {
			return err
		}
		defer s.releaseGet()
	}
	sseutil.SetStandardHeaders(w)
	w.WriteHeader(http.StatusOK)
	flushResponse(w)
	return s.replayEvents(ctx, w, reader)
}

// replayEvents copies stored events onto the response body until the reader
// is exhausted. Readers over uncompleted streaming streams keep following
// the store, delivering live frames as they land.
func (s *SessionTransport) replayEvents(ctx context.Context, w http.ResponseWriter,
	reader EventStreamReader) error {
	for event, err := range reader.Events(ctx) {
		if err != nil {
			return err
		}
		if werr := writeSSEEvent(w, event); werr != nil {
			return werr
		}
		s.metrics.IncEventsReplayed()
	}
	return nil
}

// Send pushes an unsolicited server-to-client message onto the standalone
// stream. With resumability on, the message persists under the "__get__"
// stream first, so clients recover it across reconnects even if no GET is
// currently attached.
func (s *SessionTransport) Send(ctx context.Context, message JSONRPCMessage) error {
	if s.stateless {
		return fmt.Errorf("%w: unsolicited messages need a persistent session", ErrStatelessMode)
	}
	data, err := marshalMessage(message)
	if err != nil {
		return err
	}
	sent, err := s.sendStandaloneEvent(ctx, SSEEvent{Type: eventTypeMessage, Data: data})
	if err != nil {
		return err
	}
	if !sent {
		return ErrSessionClosed
	}
	return nil
}

// sendStandaloneEvent persists (when resumable and not already stamped) and
// queues an event on the standalone channel. It reports false only when the
// session is closed. The standalone writer drops its oldest frame instead of
// blocking, so this never waits on a slow GET consumer.
func (s *SessionTransport) sendStandaloneEvent(ctx context.Context, event SSEEvent) (bool, error) {
	for {
		if s.isClosed() {
			return false, nil
		}

		s.mu.Lock()
		writer := s.ensureStandaloneLocked()
		var eventWriter EventStreamWriter
		if s.resumableLocked() {
			var err error
			eventWriter, err = s.ensureStandaloneEventWriterLocked(ctx)
			if err != nil {
				s.mu.Unlock()
				return false, err
			}
		}
		s.mu.Unlock()

		if eventWriter != nil && event.ID == "" {
			stamped, err := eventWriter.WriteEvent(ctx, event)
			if err != nil {
				return false, err
			}
			event = stamped
		}

		sent, err := writer.send(ctx, event, nil)
		if err != nil || sent {
			return sent, err
		}
		// The writer completed under us (CloseStandaloneStream racing this
		// send). Requeue on a fresh one; the event is already stamped, so it
		// is not persisted twice.
	}
}

// Receive returns the next inbound message for the dispatcher. Messages
// delivered before termination still drain; after that it reports io.EOF.
func (s *SessionTransport) Receive(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver pushes an inbound message to the dispatcher, blocking when the
// inbox is full.
func (s *SessionTransport) deliver(ctx context.Context, msg *InboundMessage) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseStandaloneStream completes the current standalone SSE body. An
// attached GET client sees a clean end of stream and is expected to
// reconnect with Last-Event-ID; the next send builds a fresh writer.
func (s *SessionTransport) CloseStandaloneStream() {
	s.mu.Lock()
	writer := s.standalone
	s.mu.Unlock()
	if writer != nil {
		writer.complete()
	}
}

// Close terminates the session: the dispatcher's Receive unblocks with
// io.EOF, in-flight request bodies are canceled, and the standalone stream
// is torn down. Idempotent.
func (s *SessionTransport) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancelLife()

		s.mu.Lock()
		writer := s.standalone
		eventWriter := s.standaloneEW
		s.standalone = nil
		s.standaloneEW = nil
		s.mu.Unlock()

		if writer != nil {
			writer.dispose()
		}
		if eventWriter != nil {
			if err := eventWriter.Close(context.Background()); err != nil {
				s.logger.Debugf("failed to complete standalone event stream: %v", err)
			}
		}
	})
	return nil
}

func (s *SessionTransport) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// linkLifetime derives a request-scoped context that additionally ends when
// the session closes, so in-flight bodies tear down on DELETE or eviction.
func (s *SessionTransport) linkLifetime(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.lifetimeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// claimGet reserves the single standalone GET slot.
func (s *SessionTransport) claimGet() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getActive {
		return ErrGetAlreadyActive
	}
	s.getActive = true
	return nil
}

func (s *SessionTransport) releaseGet() {
	s.mu.Lock()
	s.getActive = false
	s.mu.Unlock()
}

func (s *SessionTransport) resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumableLocked()
}

func (s *SessionTransport) resumableLocked() bool {
	return !s.stateless && s.store != nil && supportsResumability(s.protocolVersion)
}

// ensureStandaloneLocked returns the live standalone writer, building a
// fresh one when none exists or the previous one was completed by
// CloseStandaloneStream. Callers hold s.mu.
func (s *SessionTransport) ensureStandaloneLocked() *sseWriter {
	if s.standalone == nil || s.standalone.isComplete() {
		s.standalone = newSSEWriter(
			withWriterQueueSize(s.standaloneQueueSize),
			withWriterDropOldest(),
			withWriterKeepAlive(s.keepAlive),
			withWriterLogger(s.logger),
		)
	}
	return s.standalone
}

// ensureStandaloneEventWriterLocked lazily opens the persisted "__get__"
// stream. Callers hold s.mu.
func (s *SessionTransport) ensureStandaloneEventWriterLocked(ctx context.Context) (EventStreamWriter, error) {
	if s.standaloneEW != nil {
		return s.standaloneEW, nil
	}
	eventWriter, err := s.createEventWriter(ctx, standaloneStreamID)
	if err != nil {
		return nil, err
	}
	s.standaloneEW = eventWriter
	return eventWriter, nil
}

// createEventWriter opens a persisted stream for this session, hooked into
// the metrics recorder.
func (s *SessionTransport) createEventWriter(ctx context.Context, streamID string) (EventStreamWriter, error) {
	eventWriter, err := s.store.CreateStream(ctx, s.id, streamID, StreamModeStreaming)
	if err != nil {
		return nil, err
	}
	return wrapEventWriterMetrics(eventWriter, s.metrics), nil
}

// handleInitialize records the protocol revision negotiated by an
// initialize request and fires the application hook.
func (s *SessionTransport) handleInitialize(ctx context.Context, req *JSONRPCRequest) {
	params, err := parseInitializeParams(req)
	if err != nil {
		s.logger.Debugf("ignoring malformed initialize params: %v", err)
		return
	}
	s.mu.Lock()
	s.protocolVersion = params.ProtocolVersion
	s.mu.Unlock()
	if s.onInitialize != nil {
		s.onInitialize(ctx, s.id, params)
	}
}
