package ssehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

var (
	// ErrConnectionClosed is returned by send operations once a connection
	// has been torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCapacityExceeded is returned when the connection registry is full.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
)

// ErrorType classifies transport failures. The value travels in the data
// field of error responses emitted on the stream and in log records, so
// operators and clients can tell a gateway fault from an upstream one.
type ErrorType string

const (
	ErrorTypeCapacityExceeded      ErrorType = "capacity_exceeded"
	ErrorTypeInvalidMessageFormat  ErrorType = "invalid_message_format"
	ErrorTypeHandlerUnavailable    ErrorType = "handler_unavailable"
	ErrorTypeRequestProcessing     ErrorType = "request_processing"
	ErrorTypeResponseValidation    ErrorType = "response_validation"
	ErrorTypeUpstreamError         ErrorType = "upstream_error"
	ErrorTypeInitializationTimeout ErrorType = "initialization_timeout"
	ErrorTypeSendFailure           ErrorType = "send_failure"
)

func errorTypeAttr(t ErrorType) slog.Attr {
	return slog.String("error_type", string(t))
}

// errorResponse builds the JSON-RPC error emitted as an mcp-response event
// when the transport itself fails. The taxonomy tag rides in error.data.
func errorResponse(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, t ErrorType) *jsonrpc.Message {
	return jsonrpc.NewErrorResponse(id, code, msg, map[string]string{"type": string(t)})
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, statusCode, message)
}

func writeJSONErrorType(w http.ResponseWriter, statusCode int, message string, t ErrorType) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"type":%q}}`, statusCode, message, t)
}

func writeJSONStatus(w http.ResponseWriter, statusCode int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
