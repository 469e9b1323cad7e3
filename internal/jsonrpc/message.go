// Package jsonrpc holds the JSON-RPC 2.0 envelope types used on the wire.
//
// The gateway only ever receives requests and notifications from clients and
// only ever sends responses and notifications, so Decode rejects responses
// and batches outright.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted "jsonrpc" member value.
const Version = "2.0"

// Request is an inbound request, or a notification when ID is nil.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

// IsNotification reports whether the peer expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Decode parses one inbound message. A failure is returned as an *Error
// carrying the code the response should use.
func Decode(b []byte) (*Request, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, NewError(CodeInvalidRequest, "empty body")
	}
	if b[0] == '[' {
		return nil, NewError(CodeInvalidRequest, "batch requests are not supported")
	}
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON: %v", err)
	}
	if raw.JSONRPC != Version {
		return nil, NewError(CodeInvalidRequest, "jsonrpc must be %q", Version)
	}
	if raw.Method == "" {
		if raw.Result != nil || raw.Error != nil {
			return nil, NewError(CodeInvalidRequest, "responses are not accepted")
		}
		return nil, NewError(CodeInvalidRequest, "method is required")
	}
	req := &Request{JSONRPC: raw.JSONRPC, Method: raw.Method, Params: raw.Params}
	if raw.ID != nil && !bytes.Equal(bytes.TrimSpace(raw.ID), []byte("null")) {
		id, err := ParseID(raw.ID)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, "%v", err)
		}
		req.ID = id
	}
	return req, nil
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult marshals result into a success response.
func NewResult(id *ID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response. id may be nil when the request
// could not be parsed.
func NewErrorResponse(id *ID, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: e}
}

// Notification is an outbound message that expects no reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification marshals params into a notification.
func NewNotification(method string, params any) (*Notification, error) {
	n := &Notification{JSONRPC: Version, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		n.Params = b
	}
	return n, nil
}
