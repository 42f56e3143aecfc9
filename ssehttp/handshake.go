package ssehttp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/mcp"
)

// initRequestIDPrefix marks synthetic initialize request ids so they are easy
// to spot in upstream logs.
const initRequestIDPrefix = "init-"

// handshakeState is the per-connection handshake state machine. Transitions
// leave handshakePending exactly once; every other transition attempt is
// rejected, which is what makes a dispatch result arriving after the timeout
// a harmless no-op.
type handshakeState int

const (
	handshakePending handshakeState = iota
	handshakeSucceeded
	handshakeFailed
	handshakeTimedOut
)

// settleHandshake attempts the pending→to transition. On success it also
// flips ready and snapshots-and-clears the request queue, so that the caller
// drains exactly the messages queued up to this instant while new arrivals
// flow through the immediate-dispatch path.
func (c *connection) settleHandshake(to handshakeState) (queued []*jsonrpc.Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive || c.hsState != handshakePending {
		return nil, false
	}
	c.hsState = to
	if to == handshakeSucceeded {
		c.ready = true
		queued = c.pending
		c.pending = nil
	}
	return queued, true
}

// runHandshake initializes on the client's behalf: wait out the listener
// attach delay, synthesize an initialize request, and race its dispatch
// against the handshake timer and the connection's lifetime.
func (h *Handler) runHandshake(ctx context.Context, conn *connection) {
	defer h.wg.Done()
	ctx = logctx.WithPhase(ctx, "handshake")

	// EventSource clients attach their listeners after the stream opens;
	// responding instantly can drop the first payload on the floor.
	select {
	case <-h.clock.After(h.cfg.listenerAttachDelay):
	case <-ctx.Done():
		return
	case <-h.bg.Done():
		return
	}

	initID := jsonrpc.NewRequestID(initRequestIDPrefix + uuid.NewString())

	if h.dispatcher == nil {
		// Nothing to even attempt; fail now rather than let the timer run.
		h.log.ErrorContext(ctx, "sse.handshake.fail", errorTypeAttr(ErrorTypeHandlerUnavailable))
		h.failHandshake(ctx, conn, handshakeFailed,
			errorResponse(initID, jsonrpc.ErrorCodeInternalError, "no dispatcher registered", ErrorTypeHandlerUnavailable),
			"handshake failed")
		return
	}

	req, err := jsonrpc.NewRequest(initID, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      h.cfg.clientIdentity,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "sse.handshake.fail",
			errorTypeAttr(ErrorTypeRequestProcessing),
			slog.String("err", err.Error()))
		h.failHandshake(ctx, conn, handshakeFailed,
			errorResponse(initID, jsonrpc.ErrorCodeInternalError, err.Error(), ErrorTypeRequestProcessing),
			"handshake failed")
		return
	}

	type dispatchOutcome struct {
		resp *jsonrpc.Message
		err  error
	}
	outcome := make(chan dispatchOutcome, 1)
	go func() {
		resp, err := h.dispatcher.Dispatch(ctx, req)
		outcome <- dispatchOutcome{resp: resp, err: err}
	}()

	timer := h.clock.NewTimer(h.cfg.handshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Connection went away mid-handshake; whatever the dispatcher
		// eventually produces is dropped.
		return
	case <-timer.Chan():
		h.log.ErrorContext(ctx, "sse.handshake.timeout",
			errorTypeAttr(ErrorTypeInitializationTimeout),
			slog.Duration("timeout", h.cfg.handshakeTimeout))
		h.failHandshake(ctx, conn, handshakeTimedOut,
			errorResponse(initID, jsonrpc.ErrorCodeInternalError, "initialization timed out", ErrorTypeInitializationTimeout),
			"handshake timeout")
	case out := <-outcome:
		h.settleDispatchOutcome(ctx, conn, initID, out.resp, out.err)
	}
}

// completeHandshakeDispatch runs a client-supplied initialize request as the
// connection's handshake. Used when automatic handshaking is disabled.
func (h *Handler) completeHandshakeDispatch(ctx context.Context, conn *connection, want *jsonrpc.RequestID, req *jsonrpc.Message) {
	if h.dispatcher == nil {
		h.log.ErrorContext(ctx, "sse.handshake.fail", errorTypeAttr(ErrorTypeHandlerUnavailable))
		h.failHandshake(ctx, conn, handshakeFailed,
			errorResponse(want, jsonrpc.ErrorCodeInternalError, "no dispatcher registered", ErrorTypeHandlerUnavailable),
			"handshake failed")
		return
	}
	resp, err := h.dispatcher.Dispatch(ctx, req)
	h.settleDispatchOutcome(ctx, conn, want, resp, err)
}

// settleDispatchOutcome classifies the dispatcher's answer to an initialize
// request and drives the connection to its terminal handshake state.
func (h *Handler) settleDispatchOutcome(ctx context.Context, conn *connection, want *jsonrpc.RequestID, resp *jsonrpc.Message, err error) {
	switch {
	case err != nil:
		h.log.ErrorContext(ctx, "sse.handshake.fail",
			errorTypeAttr(ErrorTypeRequestProcessing),
			slog.String("err", err.Error()))
		h.failHandshake(ctx, conn, handshakeFailed,
			errorResponse(want, jsonrpc.ErrorCodeInternalError, err.Error(), ErrorTypeRequestProcessing),
			"handshake failed")

	case resp.ValidateResponse(want) != nil:
		detail := resp.ValidateResponse(want).Error()
		h.log.ErrorContext(ctx, "sse.handshake.fail",
			errorTypeAttr(ErrorTypeResponseValidation),
			slog.String("err", detail))
		h.failHandshake(ctx, conn, handshakeFailed,
			errorResponse(want, jsonrpc.ErrorCodeInternalError, detail, ErrorTypeResponseValidation),
			"handshake invalid")

	case resp.Error != nil:
		// Well-formed upstream refusal: the client learns the real cause,
		// then the connection closes.
		h.log.WarnContext(ctx, "sse.handshake.fail",
			errorTypeAttr(ErrorTypeUpstreamError),
			slog.Int("code", int(resp.Error.Code)),
			slog.String("err", resp.Error.Message))
		h.failHandshake(ctx, conn, handshakeFailed, resp, "handshake failed")

	default:
		h.succeedHandshake(ctx, conn, resp)
	}
}

// succeedHandshake forwards the successful initialize response, flips the
// connection ready, and drains the queue built up during the handshake.
// Heartbeats only consider ready connections, so the response event is sent
// before the flip to keep the connection → handshake-result → heartbeat
// ordering.
func (h *Handler) succeedHandshake(ctx context.Context, conn *connection, resp *jsonrpc.Message) {
	conn.mu.Lock()
	settling := conn.alive && conn.hsState == handshakePending
	conn.mu.Unlock()
	if !settling {
		return
	}

	if err := h.sendEvent(ctx, conn, eventNameMCPResponse, resp, true); err != nil {
		return
	}

	queued, ok := conn.settleHandshake(handshakeSucceeded)
	if !ok {
		return
	}
	h.log.InfoContext(ctx, "sse.handshake.ok", slog.Int("queued", len(queued)))

	h.drainQueued(ctx, conn, queued)
}

// failHandshake drives the connection to a terminal failure state: at most
// one error event is attempted, then the connection closes. Best effort on
// the event; a send failure there must not prevent the close.
func (h *Handler) failHandshake(ctx context.Context, conn *connection, state handshakeState, event *jsonrpc.Message, reason string) {
	if _, ok := conn.settleHandshake(state); !ok {
		return
	}
	if err := h.sendEvent(ctx, conn, eventNameMCPResponse, event, false); err != nil && !errors.Is(err, ErrConnectionClosed) {
		h.log.WarnContext(ctx, "sse.handshake.event.fail", slog.String("err", err.Error()))
	}
	h.closeConnection(ctx, conn, reason)
}

// drainQueued processes the handshake-time queue snapshot in arrival order.
// A failure on one message never aborts the rest; each gets its own isolated
// error response.
func (h *Handler) drainQueued(ctx context.Context, conn *connection, queued []*jsonrpc.Message) {
	if len(queued) == 0 {
		return
	}
	ctx = logctx.WithPhase(ctx, "drain")
	for _, msg := range queued {
		if !conn.isAlive() {
			return
		}
		h.dispatchAndRespond(logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msg.Method,
			ID:     msg.ID.String(),
			Kind:   string(msg.Kind()),
		}), conn, msg)
	}
}
