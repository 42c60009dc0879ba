// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/mcptransport/streamhttp/internal/httputil"
	"github.com/mcptransport/streamhttp/internal/sseutil"
)

// postTransport serves one client POST: it hands the carried messages to the
// session inbox, then streams the dispatcher's replies back on the response
// body until every request in the POST has been answered.
//
// The transport stays reachable after its body closes. It is the
// MessageSender attached to the POST's messages, so a late reply (from a
// handler that outlived the connection, or one that deliberately closed the
// body to push the client onto the resumption path) is still persisted under
// the POST's event stream and rerouted to the session's standalone channel.
type postTransport struct {
	session *SessionTransport
	logger  Logger

	messages []JSONRPCMessage

	user       interface{}
	handlerCtx context.Context

	writer      *sseWriter
	eventWriter EventStreamWriter

	// collect receives buffered replies in JSON response mode.
	collect chan JSONRPCMessage

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
}

func newPostTransport(session *SessionTransport, msgs []JSONRPCMessage,
	user interface{}, handlerCtx context.Context) *postTransport {
	t := &postTransport{
		session:    session,
		logger:     session.logger,
		messages:   msgs,
		user:       user,
		handlerCtx: handlerCtx,
		pending:    make(map[string]struct{}),
	}
	for _, msg := range msgs {
		req, ok := msg.(*JSONRPCRequest)
		if !ok {
			continue
		}
		key := requestIDKey(req.ID)
		if _, dup := t.pending[key]; dup {
			continue
		}
		t.pending[key] = struct{}{}
		t.order = append(t.order, key)
	}
	return t
}

// run executes the POST protocol against the response writer. It reports
// whether a body was produced; (false, nil) means the caller should answer
// 202 Accepted.
func (t *postTransport) run(ctx context.Context, w http.ResponseWriter) (bool, error) {
	t.observeInitialize(ctx)

	// Requests expect correlated replies; notifications and client responses
	// are accepted and acknowledged without a body.
	if len(t.pending) == 0 {
		if err := t.deliver(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if t.session.responseMode == ResponseModeJSON {
		return true, t.runJSON(ctx, w)
	}
	return true, t.runSSE(ctx, w)
}

func (t *postTransport) runSSE(ctx context.Context, w http.ResponseWriter) error {
	t.writer = newSSEWriter(
		withWriterCompleteAfter(t.finalResponseFilter),
		withWriterLogger(t.logger),
	)
	if t.session.resumable() {
		eventWriter, err := t.session.createEventWriter(ctx, uuid.NewString())
		if err != nil {
			return err
		}
		t.eventWriter = eventWriter
		// Priming goes out before the messages reach the dispatcher so no
		// reply can beat it onto the stream.
		if err := t.writer.sendPriming(ctx, t.session.retryInterval, t.eventWriter); err != nil {
			return err
		}
	}

	if err := t.deliver(ctx); err != nil {
		t.writer.dispose()
		return err
	}

	sseutil.SetStandardHeaders(w)
	w.WriteHeader(http.StatusOK)
	flushResponse(w)

	err := t.writer.writeAll(ctx, w)
	t.writer.dispose()
	if t.eventWriter != nil && t.settled() {
		// Every reply is persisted; mark the stream complete so resuming
		// readers drain and stop.
		if cerr := t.eventWriter.Close(context.WithoutCancel(ctx)); cerr != nil {
			t.logger.Debugf("failed to complete POST event stream: %v", cerr)
		}
	}
	return err
}

// runJSON buffers the correlated replies and answers with a plain JSON body:
// a single object, or an array for batched requests. Interim messages divert
// to the standalone channel through Send.
func (t *postTransport) runJSON(ctx context.Context, w http.ResponseWriter) error {
	total := len(t.order)
	t.collect = make(chan JSONRPCMessage, total)

	if err := t.deliver(ctx); err != nil {
		return err
	}

	replies := make(map[string]JSONRPCMessage, total)
	for len(replies) < total {
		select {
		case msg := <-t.collect:
			if id, ok := messageID(msg); ok {
				replies[requestIDKey(id)] = msg
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var body []byte
	var err error
	if total > 1 {
		ordered := make([]JSONRPCMessage, 0, total)
		for _, key := range t.order {
			ordered = append(ordered, replies[key])
		}
		body, err = json.Marshal(ordered)
	} else {
		body, err = json.Marshal(replies[t.order[0]])
	}
	if err != nil {
		return fmt.Errorf("failed to encode JSON response body: %w", err)
	}

	w.Header().Set(httputil.ContentTypeHeader, httputil.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

// observeInitialize records the protocol version from any initialize request
// in the POST before replies can depend on it.
func (t *postTransport) observeInitialize(ctx context.Context) {
	for _, msg := range t.messages {
		if req, ok := msg.(*JSONRPCRequest); ok && req.Method == MethodInitialize {
			t.session.handleInitialize(ctx, req)
		}
	}
}

// deliver pushes the POST's messages into the session inbox, each wrapped
// with a MessageContext pointing back at this transport.
func (t *postTransport) deliver(ctx context.Context) error {
	for _, msg := range t.messages {
		mc := &MessageContext{
			transport:  t,
			sessionID:  t.session.id,
			user:       t.user,
			handlerCtx: t.handlerCtx,
		}
		if t.writer != nil {
			mc.closeStream = t.closeBody
		}
		if !t.session.stateless {
			mc.closeStandalone = t.session.CloseStandaloneStream
		}
		if err := t.session.deliver(ctx, &InboundMessage{Message: msg, Context: mc}); err != nil {
			return err
		}
	}
	return nil
}

// Send implements MessageSender for dispatcher replies correlated with this
// POST. Messages that arrive after the body completed are re-routed to the
// session's standalone channel so they are not lost.
func (t *postTransport) Send(ctx context.Context, message JSONRPCMessage) error {
	if t.session.stateless && isRequest(message) {
		return fmt.Errorf("%w: server-to-client requests need a persistent session", ErrStatelessMode)
	}

	data, err := marshalMessage(message)
	if err != nil {
		return err
	}
	event := SSEEvent{Type: eventTypeMessage, Data: data}
	if id, ok := messageID(message); ok {
		event.replyTo = requestIDKey(id)
	}

	if t.collect != nil {
		return t.sendJSON(ctx, event, message)
	}

	if t.writer != nil {
		sent, err := t.writer.send(ctx, event, t.eventWriter)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
		// Body already completed, so the in-band filter never saw this
		// frame. Settle the bookkeeping here; the event itself was persisted
		// above and stays replayable.
		if event.replyTo != "" {
			if settled, last := t.settleReply(event.replyTo); settled && last && t.eventWriter != nil {
				if cerr := t.eventWriter.Close(ctx); cerr != nil {
					t.logger.Debugf("failed to complete POST event stream: %v", cerr)
				}
			}
		}
	}

	return t.forwardStandalone(ctx, event)
}

// sendJSON routes a message in JSON response mode: replies to this POST's
// requests feed the collector, everything else diverts to the standalone
// channel.
func (t *postTransport) sendJSON(ctx context.Context, event SSEEvent, message JSONRPCMessage) error {
	if event.replyTo != "" {
		if settled, _ := t.settleReply(event.replyTo); settled {
			// Capacity matches the pending count, so this never blocks.
			t.collect <- message
			return nil
		}
	}
	return t.forwardStandalone(ctx, event)
}

// forwardStandalone hands an event to the session's standalone channel. In
// stateless mode there is none; the message is dropped with a log line.
func (t *postTransport) forwardStandalone(ctx context.Context, event SSEEvent) error {
	if t.session.stateless {
		t.logger.Debugf("dropping late message for stateless POST")
		return nil
	}
	sent, err := t.session.sendStandaloneEvent(ctx, event)
	if err != nil {
		return err
	}
	if !sent {
		t.logger.Debugf("standalone channel refused late message (session closing)")
	}
	return nil
}

// closeBody ends the SSE response body without settling the exchange; the
// client reconnects with Last-Event-ID and the replay path picks the
// exchange back up from the store.
func (t *postTransport) closeBody() {
	if t.writer != nil {
		t.writer.complete()
	}
}

// finalResponseFilter reports whether a frame settles the last outstanding
// request of this POST. It runs under the SSE writer's send mutex.
func (t *postTransport) finalResponseFilter(event *SSEEvent) bool {
	if event.replyTo == "" {
		return false
	}
	settled, last := t.settleReply(event.replyTo)
	return settled && last
}

// settleReply marks a pending request answered. It reports whether the key
// was outstanding and whether it was the last one.
func (t *postTransport) settleReply(key string) (settled, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; !ok {
		return false, false
	}
	delete(t.pending, key)
	return true, len(t.pending) == 0
}

// settled reports whether every request in the POST has been answered.
func (t *postTransport) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0
}
