package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	stream, err := b.Subscribe(ctx, "conn-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	id, err := b.Publish(ctx, "conn-1", []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("want non-empty envelope id")
	}

	env, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.ID != id {
		t.Fatalf("want envelope id %s, got %s", id, env.ID)
	}
	if string(env.Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected payload: %s", env.Data)
	}
}

func TestPublishWithoutSubscribersDropsMessage(t *testing.T) {
	b := New()
	defer b.Close()

	id, err := b.Publish(context.Background(), "nobody", []byte("x"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("want envelope id even without subscribers")
	}
}

func TestMultipleSubscribersReceiveSameMessage(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "fanout")
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, "fanout")
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer s2.Close()

	if _, err := b.Publish(ctx, "fanout", []byte("shared")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	e1, err := s1.Next(ctx)
	if err != nil {
		t.Fatalf("next 1: %v", err)
	}
	e2, err := s2.Next(ctx)
	if err != nil {
		t.Fatalf("next 2: %v", err)
	}
	if string(e1.Data) != "shared" || string(e2.Data) != "shared" {
		t.Fatalf("want both subscribers to receive payload, got %q and %q", e1.Data, e2.Data)
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	other, err := b.Subscribe(ctx, "topic-b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	if _, err := b.Publish(ctx, "topic-a", []byte("a-only")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := other.Next(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded on isolated topic, got %v", err)
	}
}

func TestStreamCloseEndsConsumption(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	stream, err := b.Subscribe(ctx, "closing")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF after close, got %v", err)
	}
}

func TestBrokerCloseTerminatesStreams(t *testing.T) {
	b := New()
	ctx := context.Background()

	stream, err := b.Subscribe(ctx, "doomed")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("broker close: %v", err)
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF after broker close, got %v", err)
	}
	if _, err := b.Publish(ctx, "doomed", []byte("late")); err == nil {
		t.Fatal("want publish error after broker close")
	}
}
