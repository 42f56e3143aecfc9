package ssehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// sendEvent marshals payload and emits it on conn's stream under the given
// event name. When updateActivity is set the connection's activity stamp is
// refreshed first; heartbeats pass false so they never keep a silent
// connection alive. A write failure tears the connection down before the
// error is returned.
func (h *Handler) sendEvent(ctx context.Context, conn *connection, event string, payload any, updateActivity bool) error {
	return h.sendEventRetry(ctx, conn, event, 0, payload, updateActivity)
}

func (h *Handler) sendEventRetry(ctx context.Context, conn *connection, event string, retry time.Duration, payload any, updateActivity bool) error {
	conn.mu.Lock()
	if !conn.alive {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	if updateActivity {
		conn.lastSeen = h.clock.Now()
	}
	conn.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event payload: %w", event, err)
	}

	if err := writeSSEEvent(conn.wf, event, retry, data); err != nil {
		h.log.WarnContext(ctx, "sse.send.fail",
			errorTypeAttr(ErrorTypeSendFailure),
			slog.String("event", event),
			slog.String("err", err.Error()))
		h.closeConnection(ctx, conn, "write failed")
		return fmt.Errorf("failed to send %s event: %w", event, err)
	}

	return nil
}
