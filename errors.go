// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import "errors"

// Common errors
var (
	// JSON-RPC framing errors
	ErrParseJSONRPC         = errors.New("failed to parse JSON-RPC message")
	ErrInvalidJSONRPCFormat = errors.New("invalid JSON-RPC format")
	ErrEmptyBatch           = errors.New("empty JSON-RPC batch")

	// Session errors
	ErrSessionClosed    = errors.New("session terminated")
	ErrSessionNotFound  = errors.New("session not found")
	ErrStatelessMode    = errors.New("operation not supported in stateless mode")
	ErrGetAlreadyActive = errors.New("standalone SSE stream already active")

	// Event store errors
	ErrInvalidEventID  = errors.New("invalid event ID")
	ErrEventNotFound   = errors.New("event ID not found")
	ErrStreamNotFound  = errors.New("event stream not found")
	ErrWriterCompleted = errors.New("SSE writer already completed")

	// Stream transport errors
	ErrTransportClosed = errors.New("transport closed")
	ErrInboxFull       = errors.New("inbox full")
)
