// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package httputil

import (
	"strings"
)

// ParseAcceptHeader splits an Accept header into its media types, dropping
// parameters such as q values: "application/json, text/plain;q=0.9" becomes
// ["application/json", "text/plain"]. Media types come back lowercased.
func ParseAcceptHeader(acceptHeader string) []string {
	accepts := []string{}
	for _, part := range strings.Split(acceptHeader, ",") {
		if mediaType := MediaType(part); mediaType != "" {
			accepts = append(accepts, mediaType)
		}
	}
	return accepts
}

// ContainsContentType checks if the parsed Accept list contains the given
// content type. Returns true on an exact match, a "type/*" match or the
// wildcard "*/*".
func ContainsContentType(accepts []string, contentType string) bool {
	prefix := contentType
	if i := strings.Index(contentType, "/"); i >= 0 {
		prefix = contentType[:i] + "/*"
	}
	for _, accept := range accepts {
		if accept == contentType || accept == prefix || accept == "*/*" {
			return true
		}
	}
	return false
}

// AcceptsAll reports whether the raw Accept header admits every one of the
// given content types.
func AcceptsAll(acceptHeader string, contentTypes ...string) bool {
	accepts := ParseAcceptHeader(acceptHeader)
	for _, ct := range contentTypes {
		if !ContainsContentType(accepts, ct) {
			return false
		}
	}
	return true
}

// MediaType strips parameters from a Content-Type header value and lowers it:
// "application/json; charset=utf-8" becomes "application/json".
func MediaType(contentType string) string {
	mediaType := strings.Split(contentType, ";")[0]
	return strings.ToLower(strings.TrimSpace(mediaType))
}
