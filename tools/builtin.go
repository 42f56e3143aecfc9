package tools

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcpgate/mcpgate/mcp"
)

// EchoArgs are the arguments for the echo tool.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

// Echo returns a tool that repeats its input, useful for wiring checks.
func Echo() Definition {
	return NewTool("echo", func(ctx context.Context, args EchoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Text), nil
	}, WithDescription("Echo the provided text back to the caller."))
}

// NowArgs are the arguments for the time.now tool.
type NowArgs struct {
	Format string `json:"format,omitempty" jsonschema:"description=Go layout string; defaults to RFC 3339"`
}

// Now returns a tool reporting the current UTC time. A nil clock uses the
// wall clock.
func Now(clock clockwork.Clock) Definition {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return NewTool("time.now", func(ctx context.Context, args NowArgs) (*mcp.CallToolResult, error) {
		layout := args.Format
		if layout == "" {
			layout = time.RFC3339
		}
		return TextResult(clock.Now().UTC().Format(layout)), nil
	}, WithDescription("Report the gateway's current UTC time."))
}
