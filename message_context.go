// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"context"
	"sync"
)

// MessageSender carries outbound JSON-RPC messages toward the client.
// PostTransports, SessionTransports and StreamServerTransports all implement
// it; dispatchers reply through the sender attached to each inbound message
// so correlated responses land on the POST that asked for them.
type MessageSender interface {
	Send(ctx context.Context, message JSONRPCMessage) error
}

// InboundMessage pairs a parsed client message with the context it arrived
// under.
type InboundMessage struct {
	Message JSONRPCMessage
	Context *MessageContext
}

// MessageContext carries the per-message side channels a dispatcher handler
// needs: the transport to reply through, the owning session id, the
// authenticated principal, an optional handler context captured from the
// HTTP request, and a key/value bag shared by everything processing the same
// message. Identity fields are fixed at construction; only the bag mutates.
type MessageContext struct {
	transport MessageSender
	sessionID string
	user      interface{}

	// handlerCtx is the detached request context captured when context flow
	// is enabled; nil otherwise.
	handlerCtx context.Context

	// Close callbacks. A nil callback means the transport that delivered the
	// message does not support the operation.
	closeStream     func()
	closeStandalone func()

	mu   sync.RWMutex
	meta map[string]interface{}
}

// Transport returns the sender that carries replies for this message.
func (c *MessageContext) Transport() MessageSender {
	return c.transport
}

// SessionID returns the owning session's id, or "" for sessionless
// transports.
func (c *MessageContext) SessionID() string {
	return c.sessionID
}

// User returns the authenticated principal resolved for the HTTP request
// that carried this message, or nil.
func (c *MessageContext) User() interface{} {
	return c.user
}

// HandlerContext returns the request context captured at POST time, detached
// from request cancellation, or nil when context flow is disabled. It keeps
// request-scoped values visible to handlers that outlive the HTTP exchange.
func (c *MessageContext) HandlerContext() context.Context {
	return c.handlerCtx
}

// Get reads a value from the message's shared bag.
func (c *MessageContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[key]
	return v, ok
}

// Set stores a value in the message's shared bag.
func (c *MessageContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		c.meta = make(map[string]interface{})
	}
	c.meta[key] = value
}

// CloseSSEStream closes the SSE body of the POST that carried this message.
// Events persisted afterwards stay retrievable through the event store, so a
// client that reconnects with Last-Event-ID resumes the exchange. No-op when
// the message did not arrive on a streaming POST.
func (c *MessageContext) CloseSSEStream() {
	if c.closeStream != nil {
		c.closeStream()
	}
}

// CloseStandaloneSSEStream closes the session's standalone GET stream; the
// client observes EOF and is expected to reconnect. No-op when there is no
// session or the session is stateless.
func (c *MessageContext) CloseStandaloneSSEStream() {
	if c.closeStandalone != nil {
		c.closeStandalone()
	}
}

type userContextKey struct{}

// ContextWithUser returns a copy of ctx carrying an authenticated principal.
// The HTTP handler stores the resolved user this way before handing the
// request to a session, and SessionTransport.HandlePost copies it into each
// MessageContext.
func ContextWithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the principal stored by ContextWithUser.
func UserFromContext(ctx context.Context) (interface{}, bool) {
	user := ctx.Value(userContextKey{})
	return user, user != nil
}
