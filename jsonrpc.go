// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the version string every message must carry.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// MethodInitialize is the MCP session handshake method. The transport watches
// for it to learn the negotiated protocol version.
const MethodInitialize = "initialize"

// JSONRPCMessage is any wire message: *JSONRPCRequest, *JSONRPCNotification,
// *JSONRPCResponse or *JSONRPCError.
type JSONRPCMessage interface{}

// RequestId is the JSON-RPC request id: a string, a number or null.
type RequestId interface{}

// JSONRPCRequest is a call that expects a reply with the same id.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCNotification is a one-way message. It carries no id and gets no
// reply.
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the success reply to a request.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// JSONRPCErrorDetail is the error object of a JSON-RPC error response.
type JSONRPCErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSONRPCError is the failure reply to a request. The id may be null when the
// failing request's id could not be read.
type JSONRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      RequestId          `json:"id,omitempty"`
	Error   JSONRPCErrorDetail `json:"error"`
}

// NewJSONRPCRequest builds a request. params must marshal to a JSON object or
// be nil.
func NewJSONRPCRequest(id RequestId, method string, params interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  marshalRaw(params),
	}
}

// NewJSONRPCNotification builds a notification for method.
func NewJSONRPCNotification(method string, params interface{}) *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  marshalRaw(params),
	}
}

// NewJSONRPCResponse builds a success response carrying result.
func NewJSONRPCResponse(id RequestId, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  marshalRaw(result),
	}
}

// NewJSONRPCErrorResponse builds an error response. data may be nil.
func NewJSONRPCErrorResponse(id RequestId, code int, message string, data interface{}) *JSONRPCError {
	return &JSONRPCError{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: JSONRPCErrorDetail{
			Code:    code,
			Message: message,
			Data:    marshalRaw(data),
		},
	}
}

// marshalRaw serializes a payload for embedding in a message. A nil payload
// stays nil so the field is omitted; unmarshalable payloads become a JSON
// string carrying the marshal error, which keeps constructors chainable.
func marshalRaw(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("marshal error: %v", err))
	}
	return data
}

// JSONRPCMessageType classifies a parsed message.
type JSONRPCMessageType string

const (
	JSONRPCMessageTypeRequest      JSONRPCMessageType = "request"
	JSONRPCMessageTypeResponse     JSONRPCMessageType = "response"
	JSONRPCMessageTypeNotification JSONRPCMessageType = "notification"
	JSONRPCMessageTypeError        JSONRPCMessageType = "error"
	JSONRPCMessageTypeUnknown      JSONRPCMessageType = "unknown"
)

// parseJSONRPCMessageType classifies raw bytes by their top-level keys
// without decoding the full message.
func parseJSONRPCMessageType(data []byte) (JSONRPCMessageType, error) {
	var message map[string]json.RawMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return JSONRPCMessageTypeUnknown, fmt.Errorf("%w: %v", ErrParseJSONRPC, err)
	}

	// The jsonrpc field is mandatory and must be "2.0".
	var version string
	if raw, ok := message["jsonrpc"]; ok {
		_ = json.Unmarshal(raw, &version)
	}
	if version != JSONRPCVersion {
		return JSONRPCMessageTypeUnknown, fmt.Errorf("%w: invalid or missing jsonrpc version", ErrInvalidJSONRPCFormat)
	}

	// Determine message type. A "null" id counts as absent: requests must
	// carry a non-null id, while error responses to unparseable requests use
	// null explicitly.
	idRaw, hasID := message["id"]
	if hasID && bytes.Equal(bytes.TrimSpace(idRaw), []byte("null")) {
		hasID = false
	}
	_, hasError := message["error"]
	_, hasResult := message["result"]
	_, hasMethod := message["method"]

	switch {
	case hasError:
		return JSONRPCMessageTypeError, nil
	case hasID && hasResult:
		return JSONRPCMessageTypeResponse, nil
	case hasID && hasMethod:
		return JSONRPCMessageTypeRequest, nil
	case hasMethod:
		return JSONRPCMessageTypeNotification, nil
	}
	return JSONRPCMessageTypeUnknown, ErrInvalidJSONRPCFormat
}

// parseJSONRPCMessage decodes data into the matching concrete message struct.
func parseJSONRPCMessage(data []byte) (JSONRPCMessage, JSONRPCMessageType, error) {
	msgType, err := parseJSONRPCMessageType(data)
	if err != nil {
		return nil, JSONRPCMessageTypeUnknown, err
	}

	switch msgType {
	case JSONRPCMessageTypeResponse:
		var resp JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, msgType, fmt.Errorf("%w: %v", ErrInvalidJSONRPCFormat, err)
		}
		return &resp, msgType, nil
	case JSONRPCMessageTypeError:
		var errResp JSONRPCError
		if err := json.Unmarshal(data, &errResp); err != nil {
			return nil, msgType, fmt.Errorf("%w: %v", ErrInvalidJSONRPCFormat, err)
		}
		return &errResp, msgType, nil
	case JSONRPCMessageTypeNotification:
		var notification JSONRPCNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return nil, msgType, fmt.Errorf("%w: %v", ErrInvalidJSONRPCFormat, err)
		}
		return &notification, msgType, nil
	case JSONRPCMessageTypeRequest:
		var req JSONRPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, msgType, fmt.Errorf("%w: %v", ErrInvalidJSONRPCFormat, err)
		}
		return &req, msgType, nil
	default:
		return nil, msgType, ErrInvalidJSONRPCFormat
	}
}

// parseJSONRPCBody parses a POST body that may hold a single message or a
// batch array. Returns the parsed messages and whether the body was a batch.
func parseJSONRPCBody(data []byte) ([]JSONRPCMessage, bool, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrParseJSONRPC)
	}
	if trimmed[0] != '[' {
		msg, _, err := parseJSONRPCMessage(data)
		if err != nil {
			return nil, false, err
		}
		return []JSONRPCMessage{msg}, false, nil
	}

	var rawMsgs []json.RawMessage
	if err := json.Unmarshal(data, &rawMsgs); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrParseJSONRPC, err)
	}
	if len(rawMsgs) == 0 {
		return nil, true, ErrEmptyBatch
	}
	msgs := make([]JSONRPCMessage, 0, len(rawMsgs))
	for _, raw := range rawMsgs {
		msg, _, err := parseJSONRPCMessage(raw)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// requestIDKey normalizes a request id for use as a correlation map key.
// Inbound ids decode as float64 while handler-built replies often carry int
// ids, so numeric ids collapse to their shortest decimal form.
func requestIDKey(id RequestId) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		return "n:" + strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return "n:" + strconv.Itoa(v)
	case int32:
		return "n:" + strconv.FormatInt(int64(v), 10)
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	case json.Number:
		return "n:" + trimNumber(v.String())
	default:
		return fmt.Sprintf("v:%v", v)
	}
}

// trimNumber drops a redundant ".0" suffix so json.Number ids match ints.
func trimNumber(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}

// messageID extracts the correlation id from a response or error message.
// Requests and notifications yield ok == false: only replies settle a POST.
func messageID(msg JSONRPCMessage) (RequestId, bool) {
	switch m := msg.(type) {
	case *JSONRPCResponse:
		return m.ID, true
	case *JSONRPCError:
		return m.ID, true
	default:
		return nil, false
	}
}

// isRequest reports whether msg is a JSON-RPC request (carries an id and
// expects a reply).
func isRequest(msg JSONRPCMessage) bool {
	_, ok := msg.(*JSONRPCRequest)
	return ok
}

// marshalMessage serializes an outbound JSON-RPC message.
func marshalMessage(msg JSONRPCMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}
	return data, nil
}

// formatJSONRPCMessage renders a short log-friendly summary of msg.
func formatJSONRPCMessage(msg JSONRPCMessage) string {
	switch m := msg.(type) {
	case *JSONRPCResponse:
		return fmt.Sprintf("Response(ID=%v)", m.ID)
	case *JSONRPCError:
		return fmt.Sprintf("Error(ID=%v, Code=%d, Message=%s)", m.ID, m.Error.Code, m.Error.Message)
	case *JSONRPCNotification:
		return fmt.Sprintf("Notification(Method=%s)", m.Method)
	case *JSONRPCRequest:
		return fmt.Sprintf("Request(ID=%v, Method=%s)", m.ID, m.Method)
	default:
		return "Unknown message type"
	}
}

// Protocol version constants.
const (
	ProtocolVersion_2024_11_05 = "2024-11-05"
	ProtocolVersion_2025_03_26 = "2025-03-26"
	ProtocolVersion_2025_06_18 = "2025-06-18"
	ProtocolVersion_2025_11_25 = "2025-11-25"
)

// InitializeParams is the subset of the MCP initialize request parameters the
// transport itself inspects.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      *ClientInfo     `json:"clientInfo,omitempty"`
}

// ClientInfo identifies the connecting client implementation.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// parseInitializeParams decodes the params of an initialize request.
func parseInitializeParams(req *JSONRPCRequest) (*InitializeParams, error) {
	var params InitializeParams
	if len(req.Params) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: bad initialize params: %v", ErrInvalidJSONRPCFormat, err)
	}
	return &params, nil
}
