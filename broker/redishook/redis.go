// Package redishook provides a Redis Pub/Sub implementation of
// broker.Broker for deployments where a broadcast has to reach connections
// held by other replicas.
package redishook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpgate/mcpgate/broker"
)

// Config for the Redis broker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix is prepended to every Pub/Sub channel name. ENV: BROKER_CHANNEL_PREFIX
	ChannelPrefix string `env:"BROKER_CHANNEL_PREFIX,default=mcpgate:broker:"`
}

// Broker implements broker.Broker over Redis Pub/Sub. Pub/Sub keeps no
// history, which matches the transport's no-replay contract.
type Broker struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// New creates a broker with its own Redis client and verifies connectivity.
func New(cfg Config) (*Broker, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "mcpgate:broker:"
	}
	return &Broker{client: cl, prefix: prefix, ownsClient: true}, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing Redis client. The caller keeps ownership
// of the client's lifecycle.
func NewWithClient(client redis.UniversalClient, channelPrefix string) *Broker {
	if channelPrefix == "" {
		channelPrefix = "mcpgate:broker:"
	}
	return &Broker{client: client, prefix: channelPrefix}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	env := broker.Envelope{ID: uuid.NewString(), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	channel := b.channelName(topic)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Stream, error) {
	channel := b.channelName(topic)
	ps := b.client.Subscribe(ctx, channel)
	// Confirm the subscription reached the server before returning so a
	// publish racing this call is not silently missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	return &stream{ps: ps, ch: ps.Channel()}, nil
}

// Close implements broker.Broker. It closes the Redis client only when this
// broker created it.
func (b *Broker) Close() error {
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Broker) channelName(topic string) string {
	return b.prefix + topic
}

type stream struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

// Next implements broker.Stream.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		var env broker.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return broker.Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

// Close implements broker.Stream.
func (s *stream) Close() error {
	return s.ps.Close()
}

// Compile-time interface checks
var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)
