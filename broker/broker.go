// Package broker defines the fan-out seam used to deliver server-initiated
// messages to every connected transport stream, regardless of which process
// holds the connection.
package broker

import "context"

// Envelope wraps a published message with its delivery id.
type Envelope struct {
	// ID uniquely identifies this delivery within the broker.
	ID string `json:"id"`
	// Data is the serialized message content.
	Data []byte `json:"data"`
}

// Broker distributes messages published on a topic to every active
// subscriber. Delivery is fire-and-forget: subscribers that are absent or
// fall behind miss messages, and nothing is replayed.
type Broker interface {
	// Publish delivers data to all current subscribers of topic and returns
	// the generated envelope id.
	Publish(ctx context.Context, topic string, data []byte) (string, error)

	// Subscribe begins receiving messages published to topic after the call
	// returns.
	Subscribe(ctx context.Context, topic string) (Stream, error)

	// Close releases broker resources and terminates active streams.
	Close() error
}

// Stream provides ordered message consumption for a single subscriber.
type Stream interface {
	// Next blocks until a message is available or ctx is done. It returns
	// io.EOF once the stream has been closed.
	Next(ctx context.Context) (Envelope, error)

	// Close detaches the subscriber. After Close, Next returns io.EOF.
	Close() error
}
