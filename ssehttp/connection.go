package ssehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

// Canonical header names used by the transport.
const (
	connectionIDHeader  = "X-Connection-Id"
	correlationIDHeader = "X-Correlation-Id"
)

// Event names with fixed transport semantics. Broadcasts may use any other
// name.
const (
	eventNameConnection  = "connection"
	eventNameMCPResponse = "mcp-response"
	eventNameHeartbeat   = "heartbeat"
)

// connectionEventPayload announces the connection's identity as the first
// frame on the stream. Clients lift connectionId from it to address their
// posts.
type connectionEventPayload struct {
	ConnectionID  string `json:"connectionId"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

type heartbeatEventPayload struct {
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// broadcastMessage is the broker envelope body for fan-out events. Data is
// forwarded verbatim as the SSE payload under the named event.
type broadcastMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// connection is one live SSE stream and the state hung off it. All fields
// behind mu; the write path is serialized separately by the flusher's own
// lock.
type connection struct {
	id            string
	correlationID string
	connectedAt   time.Time

	wf     *lockedWriteFlusher
	cancel context.CancelFunc

	mu       sync.Mutex
	alive    bool
	ready    bool
	hsState  handshakeState
	pending  []*jsonrpc.Message
	lastSeen time.Time
}

// isAlive reports whether the connection can still be written to.
func (c *connection) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// isReady reports whether the handshake has completed on this connection.
func (c *connection) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.ready
}

// touch refreshes the activity stamp the reaper judges idleness by.
func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// lockedWriteFlusher serializes writes to the SSE stream so that frames from
// concurrent dispatches, heartbeats and broadcasts never interleave. Writes
// fail once the connection context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher

	mu  sync.Mutex
	ctx context.Context
}

func (wf *lockedWriteFlusher) Write(p []byte) (int, error) {
	if err := wf.ctx.Err(); err != nil {
		return 0, fmt.Errorf("connection context done before write: %w", err)
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()

	// Re-check after acquiring the lock; the connection may have been
	// closed while waiting.
	if err := wf.ctx.Err(); err != nil {
		return 0, fmt.Errorf("connection context done before write: %w", err)
	}

	return wf.Writer.Write(p)
}

func (wf *lockedWriteFlusher) Flush() {
	if wf.ctx.Err() != nil {
		return
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()

	if wf.ctx.Err() != nil {
		return
	}

	wf.Flusher.Flush()
}

// writeSSEEvent emits one named event frame. The payload must be a single
// line; marshaled JSON satisfies that by construction. A non-zero retry
// carries the reconnection hint for EventSource clients. The frame is built
// up front and written in one call so frames from concurrent senders never
// interleave.
func writeSSEEvent(wf *lockedWriteFlusher, event string, retry time.Duration, payload []byte) error {
	var frame bytes.Buffer
	if retry > 0 {
		fmt.Fprintf(&frame, "retry: %d\n", retry.Milliseconds())
	}
	fmt.Fprintf(&frame, "event: %s\n", event)
	frame.WriteString("data: ")
	frame.Write(payload)
	frame.WriteString("\n\n")

	if _, err := wf.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	wf.Flush()

	return nil
}
