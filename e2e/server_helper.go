// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

// Package e2e runs end-to-end scenarios against a real HTTP server: session
// lifecycle, streaming, resumption, stateless and JSON modes, and concurrent
// load.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"

	streamhttp "github.com/mcptransport/streamhttp"
)

// EchoDispatcher answers every request with a result naming its method. Two
// methods drive the scenarios:
//
//	tools/deferred    closes the POST body before replying, so the reply is
//	                  only reachable through resumption
//	notify/standalone pushes a server notice onto the standalone stream
func EchoDispatcher() streamhttp.DispatcherFunc {
	return func(ctx context.Context, session *streamhttp.SessionTransport) {
		for {
			in, err := session.Receive(ctx)
			if err != nil {
				return
			}
			switch msg := in.Message.(type) {
			case *streamhttp.JSONRPCRequest:
				if msg.Method == "tools/deferred" {
					in.Context.CloseSSEStream()
				}
				reply := streamhttp.NewJSONRPCResponse(msg.ID, map[string]string{"method": msg.Method})
				_ = in.Context.Transport().Send(ctx, reply)
			case *streamhttp.JSONRPCNotification:
				if msg.Method == "notify/standalone" {
					_ = session.Send(ctx, streamhttp.NewJSONRPCNotification("server/notice",
						map[string]string{"text": "hello"}))
				}
			}
		}
	}
}

// StartTestServer runs the transport behind httptest and returns the server
// URL, the handler for direct inspection, and a cleanup function. The
// cleanup closes sessions before the listener so live streams cannot stall
// shutdown.
func StartTestServer(t *testing.T, opts ...streamhttp.HandlerOption) (string, *streamhttp.StreamableHTTPHandler, func()) {
	t.Helper()
	handler := streamhttp.NewStreamableHTTPHandler(EchoDispatcher(), opts...)
	srv := httptest.NewServer(handler)
	cleanup := func() {
		handler.Close()
		srv.Close()
	}
	return srv.URL, handler, cleanup
}
