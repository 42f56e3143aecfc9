// Package jsonrpc implements the JSON-RPC 2.0 envelope the gateway speaks on
// both of its transports. Decoding is strict: a message that is not a valid
// request, notification, or response is rejected before it reaches any
// handler.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version the gateway accepts.
const Version = "2.0"

// MessageKind classifies a decoded message.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindNotification MessageKind = "notification"
	KindResponse     MessageKind = "response"
)

// Message is a JSON-RPC message of any kind. Requests and notifications carry
// Method (and optionally Params); responses carry exactly one of Result or
// Error.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// ErrorDetail is a JSON-RPC error object. Data, when present, carries a
// machine-readable failure classification under the "type" key.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Decode parses and validates a single JSON-RPC message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UnmarshalJSON enforces JSON-RPC 2.0 envelope rules at decode time.
func (m *Message) UnmarshalJSON(data []byte) error {
	type raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *ErrorDetail    `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if r.JSONRPCVersion != Version {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, r.JSONRPCVersion)
	}

	hasMethod := r.Method != ""
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot carry result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot carry both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must carry either a result or an error field")
		}
	}

	m.JSONRPCVersion = r.JSONRPCVersion
	m.Method = r.Method
	m.Params = r.Params
	m.Result = r.Result
	m.Error = r.Error
	m.ID = r.ID

	return nil
}

// Kind reports whether the message is a request, notification, or response.
func (m *Message) Kind() MessageKind {
	if m.Method != "" {
		if m.ID.IsNil() {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// ValidateResponse checks that a handler-produced message is a well-formed
// response to the request identified by want. A nil want skips the id check.
func (m *Message) ValidateResponse(want *RequestID) error {
	if m == nil {
		return fmt.Errorf("nil response")
	}
	if m.JSONRPCVersion != Version {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, m.JSONRPCVersion)
	}
	if m.Method != "" {
		return fmt.Errorf("response carries a method field")
	}
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if hasResult && hasError {
		return fmt.Errorf("response carries both result and error fields")
	}
	if !hasResult && !hasError {
		return fmt.Errorf("response carries neither a result nor an error field")
	}
	if want != nil && !m.ID.Equal(want) {
		return fmt.Errorf("response id %q does not match request id %q", m.ID.String(), want.String())
	}
	return nil
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id *RequestID, method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPCVersion: Version,
		Method:         method,
		ID:             id,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a notification message (a request without an id).
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

// NewResultResponse builds a successful response to the given request id.
func NewResultResponse(id *RequestID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPCVersion: Version,
		Result:         raw,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error response to the given request id.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Message {
	return &Message{
		JSONRPCVersion: Version,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}
