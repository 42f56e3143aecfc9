package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcpgate/mcpgate/mcp"
)

func TestNewToolReflectsInputSchema(t *testing.T) {
	type args struct {
		City  string `json:"city" jsonschema:"description=City name"`
		Limit int    `json:"limit,omitempty"`
	}
	def := NewTool("lookup", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return TextResult(a.City), nil
	}, WithDescription("look things up"))

	schema := def.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("want object schema, got %q", schema.Type)
	}
	city, ok := schema.Properties["city"]
	if !ok {
		t.Fatalf("want city property, got %v", schema.Properties)
	}
	if city.Type != "string" {
		t.Fatalf("want string city, got %q", city.Type)
	}
	if city.Description != "City name" {
		t.Fatalf("want description from tag, got %q", city.Description)
	}
	found := false
	for _, r := range schema.Required {
		if r == "city" {
			found = true
		}
		if r == "limit" {
			t.Fatal("omitempty field must not be required")
		}
	}
	if !found {
		t.Fatalf("want city required, got %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatal("want additionalProperties=false by default")
	}
	if def.Descriptor.Description != "look things up" {
		t.Fatalf("want description, got %q", def.Descriptor.Description)
	}
}

func TestNewToolStrictDecoding(t *testing.T) {
	type args struct {
		Text string `json:"text"`
	}
	def := NewTool("strict", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return TextResult(a.Text), nil
	})

	res, err := def.Handler(context.Background(), json.RawMessage(`{"text":"ok","bogus":1}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("want IsError result for unknown field")
	}

	lenient := NewTool("lenient", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return TextResult(a.Text), nil
	}, WithAllowAdditionalProperties(true))

	res, err = lenient.Handler(context.Background(), json.RawMessage(`{"text":"ok","bogus":1}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("lenient tool should accept unknown fields: %+v", res)
	}
	if res.Content[0].Text != "ok" {
		t.Fatalf("want ok, got %q", res.Content[0].Text)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(Echo())

	if got := len(reg.List()); got != 1 {
		t.Fatalf("want 1 tool, got %d", got)
	}

	if reg.Add(Echo()) {
		t.Fatal("duplicate add must be rejected")
	}

	if !reg.Add(Now(nil)) {
		t.Fatal("want time.now added")
	}
	if got := len(reg.List()); got != 2 {
		t.Fatalf("want 2 tools, got %d", got)
	}

	if !reg.Remove("time.now") {
		t.Fatal("want time.now removed")
	}
	if reg.Remove("time.now") {
		t.Fatal("second remove must report absence")
	}
}

func TestRegistryCallUnknownTool(t *testing.T) {
	reg := NewRegistry()
	res, err := reg.Call(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("unknown tool must not be a transport failure: %v", err)
	}
	if !res.IsError {
		t.Fatal("want IsError result for unknown tool")
	}
}

func TestEchoTool(t *testing.T) {
	reg := NewRegistry(Echo())
	res, err := reg.Call(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("want echoed hello, got %+v", res.Content)
	}
}

func TestNowToolUsesInjectedClock(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	reg := NewRegistry(Now(clockwork.NewFakeClockAt(at)))

	res, err := reg.Call(context.Background(), "time.now", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := res.Content[0].Text; got != "2025-03-14T09:26:53Z" {
		t.Fatalf("want frozen clock time, got %q", got)
	}
}
