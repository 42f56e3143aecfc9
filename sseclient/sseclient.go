// Package sseclient is a client for the gateway's SSE transport: it opens
// the event stream, surfaces the connection announcement, and posts JSON-RPC
// messages over the side-channel. End-to-end tests use it as the reference
// consumer of the wire contract.
package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

// ConnectionInfo is the payload of the stream's first event.
type ConnectionInfo struct {
	ConnectionID  string `json:"connectionId"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

// Event is a named stream event whose payload the client does not interpret.
type Event struct {
	Name string
	Data []byte
}

// Option configures Dial.
type Option func(*config)

type config struct {
	httpClient    *http.Client
	correlationID string
	ssePath       string
	messagePath   string
	bufferSize    int
}

// WithHTTPClient substitutes the HTTP client used for both the stream and
// the side-channel.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithCorrelationID sets the correlation id offered to the server on
// connect. The server generates one when absent.
func WithCorrelationID(id string) Option {
	return func(cfg *config) { cfg.correlationID = id }
}

// WithPaths overrides the stream and message endpoint paths.
func WithPaths(ssePath, messagePath string) Option {
	return func(cfg *config) {
		cfg.ssePath = ssePath
		cfg.messagePath = messagePath
	}
}

// Client is a live stream connection. Close it when done.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	messagePath string
	info        ConnectionInfo

	responses  chan *jsonrpc.Message
	heartbeats chan Event
	events     chan Event

	cancel context.CancelFunc
	body   io.Closer

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Dial opens the stream against baseURL and blocks until the server's
// connection announcement arrives, so the returned client is immediately
// addressable.
func Dial(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	cfg := config{
		httpClient:  http.DefaultClient,
		ssePath:     "/sse",
		messagePath: "/messages",
		bufferSize:  32,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+cfg.ssePath, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if cfg.correlationID != "" {
		req.Header.Set("X-Correlation-Id", cfg.correlationID)
	}

	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	c := &Client{
		httpClient:  cfg.httpClient,
		baseURL:     baseURL,
		messagePath: cfg.messagePath,
		responses:   make(chan *jsonrpc.Message, cfg.bufferSize),
		heartbeats:  make(chan Event, cfg.bufferSize),
		events:      make(chan Event, cfg.bufferSize),
		cancel:      cancel,
		body:        resp.Body,
		done:        make(chan struct{}),
	}

	announced := make(chan error, 1)
	go c.listen(resp.Body, announced)

	select {
	case err := <-announced:
		if err != nil {
			c.Close()
			return nil, err
		}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	return c, nil
}

// listen consumes the stream until it ends. The first event must be the
// connection announcement; everything after fans out by event name.
func (c *Client) listen(body io.ReadCloser, announced chan<- error) {
	defer func() {
		body.Close()
		close(c.responses)
		close(c.heartbeats)
		close(c.events)
		close(c.done)
	}()

	first := true
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			c.setErr(err)
			if first {
				announced <- fmt.Errorf("read stream: %w", err)
			}
			return
		}

		if first {
			first = false
			if ev.Type != "connection" {
				announced <- fmt.Errorf("first event: want connection, got %q", ev.Type)
				return
			}
			if err := json.Unmarshal([]byte(ev.Data), &c.info); err != nil {
				announced <- fmt.Errorf("decode connection event: %w", err)
				return
			}
			announced <- nil
			continue
		}

		switch ev.Type {
		case "mcp-response":
			msg, err := jsonrpc.Decode([]byte(ev.Data))
			if err != nil {
				// Not decodable as JSON-RPC; deliver raw instead of dropping.
				c.deliverEvent(Event{Name: ev.Type, Data: []byte(ev.Data)})
				continue
			}
			select {
			case c.responses <- msg:
			default:
			}
		case "heartbeat":
			select {
			case c.heartbeats <- Event{Name: ev.Type, Data: []byte(ev.Data)}:
			default:
			}
		default:
			c.deliverEvent(Event{Name: ev.Type, Data: []byte(ev.Data)})
		}
	}
}

func (c *Client) deliverEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && !errors.Is(err, context.Canceled) {
		c.err = err
	}
}

// Info returns the server's connection announcement.
func (c *Client) Info() ConnectionInfo {
	return c.info
}

// Responses delivers mcp-response events in stream order. The channel closes
// when the stream ends.
func (c *Client) Responses() <-chan *jsonrpc.Message {
	return c.responses
}

// Heartbeats delivers heartbeat events. Slow consumers miss beats rather
// than stalling the stream.
func (c *Client) Heartbeats() <-chan Event {
	return c.heartbeats
}

// Events delivers application broadcast events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done closes when the stream has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the stream ended, nil for an orderly close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Post sends one JSON-RPC message over the side-channel. The response, if
// any, arrives on the stream, not in the HTTP reply.
func (c *Client) Post(ctx context.Context, msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := c.baseURL + c.messagePath + "?connectionId=" + c.info.ConnectionID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post message: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Close tears the stream down and waits for the reader to finish.
func (c *Client) Close() {
	c.cancel()
	c.body.Close()
	<-c.done
}
