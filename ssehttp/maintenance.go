package ssehttp

import (
	"encoding/json"
	"log/slog"

	"github.com/mcpgate/mcpgate/internal/logctx"
)

// heartbeatLoop emits a heartbeat event to every ready connection on a fixed
// cadence. Heartbeats deliberately do not refresh activity: a client that
// only ever receives heartbeats is idle and the reaper must see it that way.
func (h *Handler) heartbeatLoop() {
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.bg.Done():
			return
		case <-ticker.Chan():
			now := h.clock.Now()
			for _, conn := range h.snapshotConns() {
				if !conn.isReady() {
					// Not heartbeating pre-handshake connections keeps the
					// handshake result the second event on every stream.
					continue
				}
				ctx := logctx.WithPhase(h.connCtx(h.bg, conn), "maintenance")
				_ = h.sendEvent(ctx, conn, eventNameHeartbeat, heartbeatEventPayload{
					ConnectionID: conn.id,
					Timestamp:    now.UnixMilli(),
				}, false)
			}
		}
	}
}

// reapLoop periodically closes connections whose last activity is older than
// the idle timeout.
func (h *Handler) reapLoop() {
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.cfg.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.bg.Done():
			return
		case <-ticker.Chan():
			now := h.clock.Now()
			reaped := 0
			for _, conn := range h.snapshotConns() {
				conn.mu.Lock()
				stale := conn.alive && now.Sub(conn.lastSeen) > h.cfg.idleTimeout
				conn.mu.Unlock()
				if !stale {
					continue
				}
				ctx := logctx.WithPhase(h.connCtx(h.bg, conn), "maintenance")
				h.closeConnection(ctx, conn, "stale")
				reaped++
			}
			if reaped > 0 {
				h.log.InfoContext(h.bg, "sse.reap", slog.Int("closed", reaped))
			}
		}
	}
}

// broadcastLoop forwards broker envelopes to every ready connection. The
// subscription spans the handler's lifetime; per-connection send failures
// close only the failing connection.
func (h *Handler) broadcastLoop() {
	defer h.wg.Done()

	stream, err := h.broker.Subscribe(h.bg, h.cfg.broadcastTopic)
	if err != nil {
		if h.bg.Err() == nil {
			h.log.ErrorContext(h.bg, "sse.broadcast.subscribe.fail", slog.String("err", err.Error()))
		}
		return
	}
	defer stream.Close()

	for {
		env, err := stream.Next(h.bg)
		if err != nil {
			// Context end or stream close; either way the loop is done.
			return
		}

		var bm broadcastMessage
		if err := json.Unmarshal(env.Data, &bm); err != nil {
			h.log.WarnContext(h.bg, "sse.broadcast.decode.fail",
				slog.String("envelope_id", env.ID),
				slog.String("err", err.Error()))
			continue
		}
		event := bm.Event
		if event == "" {
			event = eventNameMCPResponse
		}

		for _, conn := range h.snapshotConns() {
			if !conn.isReady() {
				continue
			}
			ctx := logctx.WithPhase(h.connCtx(h.bg, conn), "broadcast")
			_ = h.sendEvent(ctx, conn, event, json.RawMessage(bm.Data), true)
		}
	}
}
