// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Event ids encode (sessionId, streamId, sequence) as
//
//	base64(sessionId) ":" base64(streamId) ":" decimal(sequence)
//
// Session ids may themselves contain ':', so both id parts are base64-coded
// (unpadded URL-safe alphabet, which never contains ':'). Sequence numbers
// are per-stream and strictly increasing, which makes event ids unique across
// sessions by construction and lets a reader resume exactly after the last
// event a client saw.

const eventIDSeparator = ":"

// FormatEventID encodes a (session, stream, sequence) triple as an opaque
// SSE event id.
func FormatEventID(sessionID, streamID string, seq int64) string {
	var b strings.Builder
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(sessionID)))
	b.WriteString(eventIDSeparator)
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(streamID)))
	b.WriteString(eventIDSeparator)
	b.WriteString(strconv.FormatInt(seq, 10))
	return b.String()
}

// ParseEventID decodes an event id produced by FormatEventID. Malformed
// input (wrong part count, invalid base64, non-numeric or negative sequence)
// reports ok == false and never panics.
func ParseEventID(eventID string) (sessionID, streamID string, seq int64, ok bool) {
	parts := strings.Split(eventID, eventIDSeparator)
	if len(parts) != 3 {
		return "", "", 0, false
	}

	sessionBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", 0, false
	}
	streamBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", 0, false
	}
	seq, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq < 0 {
		return "", "", 0, false
	}

	return string(sessionBytes), string(streamBytes), seq, true
}
