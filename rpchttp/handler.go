// Package rpchttp is the stateless request/response sibling of the SSE
// transport: one JSON-RPC message per POST, the response in the HTTP body.
// There is no connection state, no queue, and no handshake; clients that can
// wait for their answers inline use this endpoint instead of a stream.
package rpchttp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/ssehttp"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const defaultMaxBodyBytes = 1 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for request events.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// Handler serves POSTed JSON-RPC messages through the shared dispatcher.
type Handler struct {
	dispatcher   ssehttp.Dispatcher
	log          *slog.Logger
	maxBodyBytes int64
}

// New builds the stateless transport over dispatcher.
func New(dispatcher ssehttp.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher:   dispatcher,
		log:          slog.Default(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	ct, err := contenttype.GetMediaType(r)
	if err != nil || !ct.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "request body must be application/json")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err == nil && msg.Kind() == jsonrpc.KindResponse {
		err = errors.New("response messages cannot be posted to the gateway")
	}
	if err != nil {
		h.log.WarnContext(ctx, "rpc.post.invalid", slog.String("err", err.Error()))
		writeMessage(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil,
			jsonrpc.ErrorCodeInvalidRequest, err.Error(), taxonomy("invalid_message_format")))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   string(msg.Kind()),
	})
	h.log.DebugContext(ctx, "rpc.post.start")

	if h.dispatcher == nil {
		h.log.ErrorContext(ctx, "rpc.post.unavailable")
		writeMessage(w, http.StatusOK, jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.ErrorCodeInternalError, "no dispatcher registered", taxonomy("handler_unavailable")))
		return
	}

	resp, err := h.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.post.fail", slog.String("err", err.Error()))
		writeMessage(w, http.StatusOK, jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.ErrorCodeInternalError, err.Error(), taxonomy("request_processing")))
		return
	}
	if resp == nil {
		// Notification: acknowledged with no body.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := resp.ValidateResponse(msg.ID); err != nil {
		h.log.ErrorContext(ctx, "rpc.post.badresponse", slog.String("err", err.Error()))
		writeMessage(w, http.StatusOK, jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.ErrorCodeInternalError, err.Error(), taxonomy("response_validation")))
		return
	}

	h.log.DebugContext(ctx, "rpc.post.ok")
	writeMessage(w, http.StatusOK, resp)
}

func taxonomy(tag string) map[string]string {
	return map[string]string{"type": tag}
}

func writeMessage(w http.ResponseWriter, status int, msg *jsonrpc.Message) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
