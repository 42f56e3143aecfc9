// Package memory provides an in-process implementation of broker.Broker
// using channels for delivery. It is suitable for single-node deployments
// and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/broker"
)

// Broker implements broker.Broker with per-topic subscriber sets. Messages
// reach only the subscribers registered at publish time; there is no
// history.
type Broker struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	counter atomic.Int64
	closed  bool
}

type topic struct {
	mu   sync.Mutex
	subs map[*stream]struct{}
}

type stream struct {
	owner  *topic
	ch     chan broker.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates an in-memory broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topicName string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", fmt.Errorf("broker is closed")
	}
	tp := b.topics[topicName]
	b.mu.RUnlock()

	id := strconv.FormatInt(b.counter.Add(1), 10)
	if tp == nil {
		// No subscribers yet; the message is dropped by contract.
		return id, nil
	}

	env := broker.Envelope{ID: id, Data: data}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	for sub := range tp.subs {
		select {
		case sub.ch <- env:
		case <-sub.ctx.Done():
			delete(tp.subs, sub)
		default:
			// Subscriber buffer is full; it misses this message.
		}
	}

	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topicName string) (broker.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	tp := b.topics[topicName]
	if tp == nil {
		tp = &topic{subs: make(map[*stream]struct{})}
		b.topics[topicName] = tp
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &stream{
		owner:  tp,
		ch:     make(chan broker.Envelope, 64),
		ctx:    subCtx,
		cancel: cancel,
	}

	tp.mu.Lock()
	tp.subs[sub] = struct{}{}
	tp.mu.Unlock()

	return sub, nil
}

// Close implements broker.Broker. It terminates every active stream.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, tp := range b.topics {
		tp.mu.Lock()
		for sub := range tp.subs {
			if sub.closed.CompareAndSwap(false, true) {
				sub.cancel()
				close(sub.ch)
			}
		}
		tp.subs = make(map[*stream]struct{})
		tp.mu.Unlock()
	}
	b.topics = make(map[string]*topic)

	return nil
}

// Next implements broker.Stream.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	if s.closed.Load() {
		return broker.Envelope{}, io.EOF
	}

	select {
	case env, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.Envelope{}, io.EOF
	}
}

// Close implements broker.Stream.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)
