package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcpgate/mcpgate/broker"
	"github.com/mcpgate/mcpgate/broker/memory"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/mcp"
)

var _ http.Handler = (*Handler)(nil)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Dispatcher is the seam to the method-routing subsystem. Responses are
// matched to requests by id; a nil response means the message was a
// notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error)
}

// Handler serves the SSE transport: the event stream, the message
// side-channel, and the background maintenance loops. Construct with New;
// release with Close.
type Handler struct {
	cfg        config
	log        *slog.Logger
	clock      clockwork.Clock
	dispatcher Dispatcher
	mux        *http.ServeMux

	broker     broker.Broker
	ownsBroker bool

	// bg outlives any single request and ends at Close; every background
	// goroutine selects on it.
	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// New builds a Handler routing inbound messages through dispatcher. A nil
// dispatcher is accepted but every connection's handshake will fail as
// handler-unavailable until the process is wired correctly.
func New(dispatcher Dispatcher, opts ...Option) (*Handler, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.logger
	if !cfg.loggingEnabled {
		log = slog.New(slog.DiscardHandler)
	}

	bg, stopBg := context.WithCancel(context.Background())

	h := &Handler{
		cfg:        cfg,
		log:        log,
		clock:      cfg.clock,
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
		broker:     cfg.broker,
		bg:         bg,
		stopBg:     stopBg,
		conns:      make(map[string]*connection),
	}

	if h.broker == nil {
		h.broker = memory.New()
		h.ownsBroker = true
	}

	h.mux.HandleFunc("GET "+cfg.ssePath, h.handleStream)
	h.mux.HandleFunc("POST "+cfg.messagePath, h.handleMessage)

	h.wg.Add(3)
	go h.heartbeatLoop()
	go h.reapLoop()
	go h.broadcastLoop()

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// ConnectionCount reports the number of registered connections.
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close tears down every live connection with reason "shutdown", stops the
// maintenance loops, and waits for background work to finish or ctx to end.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.closeConnection(h.connCtx(ctx, conn), conn, "shutdown")
	}

	h.stopBg()
	if h.ownsBroker {
		_ = h.broker.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast publishes an event to the broker topic the handler subscribes
// to. Every ready connection on every replica sharing the broker receives it
// under the given event name.
func (h *Handler) Broadcast(ctx context.Context, event string, payload any) error {
	if event == "" {
		return errors.New("broadcast event name must be non-empty")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(broadcastMessage{Event: event, Data: data})
	if err != nil {
		return err
	}

	id, err := h.broker.Publish(ctx, h.cfg.broadcastTopic, raw)
	if err != nil {
		return err
	}

	h.log.DebugContext(ctx, "broker.publish",
		slog.String("event", event),
		slog.String("envelope_id", id))
	return nil
}

// handleStream is GET on the stream path: register, announce, hand off to
// the handshake, then hold the request goroutine open until teardown.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}

	now := h.clock.Now()
	correlationID := r.Header.Get(correlationIDHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	connCtx, cancel := context.WithCancel(r.Context())
	conn := &connection{
		id:            uuid.NewString(),
		correlationID: correlationID,
		connectedAt:   now,
		wf:            &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: connCtx},
		cancel:        cancel,
		alive:         true,
		lastSeen:      now,
	}

	// Capacity is enforced before any stream setup so a rejected client
	// gets a plain HTTP error, not a half-open stream.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if len(h.conns) >= h.cfg.maxConnections {
		h.mu.Unlock()
		cancel()
		h.log.WarnContext(r.Context(), "sse.connect.reject",
			errorTypeAttr(ErrorTypeCapacityExceeded),
			slog.Int("max_connections", h.cfg.maxConnections))
		writeJSONErrorType(w, http.StatusServiceUnavailable, "connection capacity exceeded", ErrorTypeCapacityExceeded)
		return
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()

	ctx := h.connCtx(connCtx, conn)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(connectionIDHeader, conn.id)
	w.Header().Set(correlationIDHeader, conn.correlationID)
	w.WriteHeader(http.StatusOK)

	h.log.InfoContext(ctx, "sse.connect")

	err := h.sendEventRetry(ctx, conn, eventNameConnection, h.cfg.retryHint, connectionEventPayload{
		ConnectionID:  conn.id,
		CorrelationID: conn.correlationID,
		Timestamp:     now.UnixMilli(),
	}, true)
	if err != nil {
		// sendEventRetry already tore the connection down.
		return
	}

	if h.cfg.autoHandshake {
		h.wg.Add(1)
		go h.runHandshake(ctx, conn)
	}

	<-connCtx.Done()
	h.closeConnection(ctx, conn, "client disconnected")
}

// handleMessage is the POST side-channel: one JSON-RPC message per call,
// addressed by the connectionId query parameter.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connectionId")
	if connID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing connectionId query parameter")
		return
	}

	h.mu.RLock()
	conn := h.conns[connID]
	h.mu.RUnlock()
	if conn == nil || !conn.isAlive() {
		writeJSONError(w, http.StatusNotFound, "unknown connection id")
		return
	}

	ctx := h.connCtx(r.Context(), conn)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read message body")
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err == nil && msg.Kind() == jsonrpc.KindResponse {
		err = errors.New("response messages cannot be posted to the gateway")
	}
	if err != nil {
		// The connection itself is untouched: nothing queued, nothing
		// dispatched, activity not refreshed.
		h.log.WarnContext(ctx, "sse.message.invalid",
			errorTypeAttr(ErrorTypeInvalidMessageFormat),
			slog.String("err", err.Error()))
		var id *jsonrpc.RequestID
		if msg != nil {
			id = msg.ID
		}
		_ = h.sendEvent(ctx, conn, eventNameMCPResponse,
			errorResponse(id, jsonrpc.ErrorCodeInvalidRequest, err.Error(), ErrorTypeInvalidMessageFormat), false)
		writeJSONErrorType(w, http.StatusBadRequest, err.Error(), ErrorTypeInvalidMessageFormat)
		return
	}

	conn.touch(h.clock.Now())
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   string(msg.Kind()),
	})

	conn.mu.Lock()
	if conn.alive && !conn.ready {
		if !h.cfg.autoHandshake && msg.Method == string(mcp.InitializeMethod) && conn.hsState == handshakePending {
			// The client drives its own handshake when the automatic one
			// is disabled; its initialize must not sit in the queue the
			// handshake itself is supposed to drain.
			conn.mu.Unlock()
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				dctx := logctx.WithPhase(h.connCtx(h.bg, conn), "handshake")
				h.completeHandshakeDispatch(dctx, conn, msg.ID, msg)
			}()
			writeJSONStatus(w, http.StatusAccepted, "accepted")
			return
		}

		conn.pending = append(conn.pending, msg)
		queued := len(conn.pending)
		conn.mu.Unlock()
		h.log.DebugContext(ctx, "sse.message.queued", slog.Int("queue_depth", queued))
		writeJSONStatus(w, http.StatusAccepted, "queued")
		return
	}
	conn.mu.Unlock()

	// Ready: dispatch immediately. The HTTP response only acknowledges
	// receipt; the result arrives on the stream.
	dctx := logctx.WithPhase(logctx.WithRPCMessage(h.connCtx(h.bg, conn), &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   string(msg.Kind()),
	}), "dispatch")
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatchAndRespond(dctx, conn, msg)
	}()
	writeJSONStatus(w, http.StatusAccepted, "accepted")
}

// dispatchAndRespond routes one message through the dispatcher and emits the
// outcome on the stream. Failures are isolated to this message: the
// connection stays up and the error travels as a JSON-RPC error response.
func (h *Handler) dispatchAndRespond(ctx context.Context, conn *connection, msg *jsonrpc.Message) {
	if h.dispatcher == nil {
		h.log.ErrorContext(ctx, "sse.dispatch.unavailable", errorTypeAttr(ErrorTypeHandlerUnavailable))
		_ = h.sendEvent(ctx, conn, eventNameMCPResponse,
			errorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "no dispatcher registered", ErrorTypeHandlerUnavailable), true)
		return
	}

	resp, err := h.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.dispatch.fail",
			errorTypeAttr(ErrorTypeRequestProcessing),
			slog.String("err", err.Error()))
		_ = h.sendEvent(ctx, conn, eventNameMCPResponse,
			errorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), ErrorTypeRequestProcessing), true)
		return
	}
	if resp == nil {
		// Notification: nothing to send back.
		return
	}
	if err := resp.ValidateResponse(msg.ID); err != nil {
		h.log.ErrorContext(ctx, "sse.dispatch.badresponse",
			errorTypeAttr(ErrorTypeResponseValidation),
			slog.String("err", err.Error()))
		_ = h.sendEvent(ctx, conn, eventNameMCPResponse,
			errorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), ErrorTypeResponseValidation), true)
		return
	}

	_ = h.sendEvent(ctx, conn, eventNameMCPResponse, resp, true)
}

// closeConnection tears conn down exactly once. Safe to call from any path
// and any number of times; later calls are no-ops.
func (h *Handler) closeConnection(ctx context.Context, conn *connection, reason string) {
	conn.mu.Lock()
	if !conn.alive {
		conn.mu.Unlock()
		return
	}
	conn.alive = false
	wasReady := conn.ready
	discarded := len(conn.pending)
	conn.pending = nil
	conn.mu.Unlock()

	conn.cancel()

	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()

	h.log.InfoContext(ctx, "sse.close",
		slog.String("reason", reason),
		slog.Bool("was_ready", wasReady),
		slog.Int("discarded_pending", discarded))
}

// snapshotConns copies the registry for lock-free iteration.
func (h *Handler) snapshotConns() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		out = append(out, conn)
	}
	return out
}

// connCtx attaches conn's identity to ctx for log correlation.
func (h *Handler) connCtx(ctx context.Context, conn *connection) context.Context {
	return logctx.WithConnectionData(ctx, &logctx.ConnectionData{
		ConnectionID:  conn.id,
		CorrelationID: conn.correlationID,
	})
}
