// Package logctx enriches slog records with request, connection, and RPC
// metadata carried on the context, so call sites log once and every record
// below them carries the identifiers.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and injects context-carried groups into
// every record it handles.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("correlation_id", cd.CorrelationID),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("kind", msg.Kind),
		))
	}

	if phase, ok := ctx.Value(phaseKey{}).(string); ok {
		r.AddAttrs(slog.String("phase", phase))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	Method     string
	Path       string
	UserAgent  string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnectionData identifies the SSE connection a record belongs to.
type ConnectionData struct {
	ConnectionID  string
	CorrelationID string
}

func WithConnectionData(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage identifies the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
	Kind   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type phaseKey struct{}

// WithPhase tags records with the transport phase that produced them, such as
// "handshake", "queue", "dispatch", or "maintenance".
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}
