// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

// Package httputil carries the header names, media types and Accept-header
// parsing shared by the HTTP transport surface.
package httputil

// Header names used by the transport.
const (
	ContentTypeHeader = "Content-Type"
	AcceptHeader      = "Accept"

	// SessionIDHeader carries the server-assigned session identifier on
	// every request and response of a stateful session.
	SessionIDHeader = "Mcp-Session-Id"

	// LastEventIDHeader requests replay from the given SSE event id.
	LastEventIDHeader = "Last-Event-ID"
)

// Media types the transport accepts and produces.
const (
	ContentTypeJSON = "application/json"
	ContentTypeSSE  = "text/event-stream"
)
