// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import "context"

// Dispatcher consumes the inbound side of a session and produces replies.
// The HTTP handler runs ServeSession on its own goroutine once per session
// (once per request in stateless mode); ctx ends when the session
// terminates. A typical implementation loops on session.Receive until error
// and answers through each message's Context.Transport(), using
// session.Send for unsolicited traffic. When ServeSession returns, the
// session is terminated.
type Dispatcher interface {
	ServeSession(ctx context.Context, session *SessionTransport)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, session *SessionTransport)

// ServeSession implements Dispatcher.
func (f DispatcherFunc) ServeSession(ctx context.Context, session *SessionTransport) {
	f(ctx, session)
}
