package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/mcp"
)

func mustRequest(t *testing.T, id any, method string, params any) *jsonrpc.Message {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestDispatchRoutesToHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return jsonrpc.NewResultResponse(req.ID, map[string]string{"echoed": req.Method})
	})

	resp, err := r.Dispatch(context.Background(), mustRequest(t, "r1", "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp == nil || len(resp.Result) == 0 {
		t.Fatal("want result response")
	}
	if !resp.ID.Equal(jsonrpc.NewRequestID("r1")) {
		t.Fatalf("want id r1, got %s", resp.ID.String())
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := NewRegistry()

	t.Run("request gets method-not-found response", func(t *testing.T) {
		resp, err := r.Dispatch(context.Background(), mustRequest(t, 1, "nope", nil))
		if err != nil {
			t.Fatalf("unknown method must not be a transport failure: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("want error response")
		}
		if resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("want code %d, got %d", jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
		}
	})

	t.Run("notification is dropped silently", func(t *testing.T) {
		note, err := jsonrpc.NewNotification("nope", nil)
		if err != nil {
			t.Fatalf("build notification: %v", err)
		}
		resp, err := r.Dispatch(context.Background(), note)
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if resp != nil {
			t.Fatalf("want nil response for notification, got %+v", resp)
		}
	})
}

func TestDispatchHandlerErrorPropagates(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("explode", func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, boom
	})

	if _, err := r.Dispatch(context.Background(), mustRequest(t, 2, "explode", nil)); !errors.Is(err, boom) {
		t.Fatalf("want handler error, got %v", err)
	}
}

func TestDispatchRejectsResponseMessages(t *testing.T) {
	r := NewRegistry()
	resp, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(1), "ok")
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), resp); err == nil {
		t.Fatal("want error dispatching a response message")
	}
}

type fakeToolSource struct {
	tools    []mcp.Tool
	lastCall string
	result   *mcp.CallToolResult
	err      error
}

func (f *fakeToolSource) List() []mcp.Tool { return f.tools }

func (f *fakeToolSource) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	f.lastCall = name
	return f.result, f.err
}

func TestMCPInitialize(t *testing.T) {
	r := NewMCP(MCPConfig{
		ServerInfo:   mcp.ImplementationInfo{Name: "gateway", Version: "1.2.3"},
		Instructions: "use the tools",
	})

	resp, err := r.Dispatch(context.Background(), mustRequest(t, "init-1", string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Fatalf("want protocol %s, got %s", mcp.ProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "gateway" {
		t.Fatalf("want server name gateway, got %s", result.ServerInfo.Name)
	}
	if result.Instructions != "use the tools" {
		t.Fatalf("want instructions, got %q", result.Instructions)
	}
}

func TestMCPPingAndInitialized(t *testing.T) {
	r := NewMCP(MCPConfig{ServerInfo: mcp.ImplementationInfo{Name: "gw", Version: "0"}})

	resp, err := r.Dispatch(context.Background(), mustRequest(t, 9, string(mcp.PingMethod), nil))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(resp.Result) != "{}" {
		t.Fatalf("want empty object result, got %s", resp.Result)
	}

	note, err := jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	if resp, err := r.Dispatch(context.Background(), note); err != nil || resp != nil {
		t.Fatalf("initialized should be a no-op, got resp=%v err=%v", resp, err)
	}
}

func TestMCPToolsMethods(t *testing.T) {
	source := &fakeToolSource{
		tools:  []mcp.Tool{{Name: "echo", InputSchema: mcp.ToolInputSchema{Type: "object"}}},
		result: &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("hi")}},
	}
	r := NewMCP(MCPConfig{ServerInfo: mcp.ImplementationInfo{Name: "gw", Version: "0"}, Tools: source})

	t.Run("tools/list", func(t *testing.T) {
		resp, err := r.Dispatch(context.Background(), mustRequest(t, 1, string(mcp.ToolsListMethod), nil))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Fatalf("unexpected tools: %+v", result.Tools)
		}
	})

	t.Run("tools/call routes to source", func(t *testing.T) {
		resp, err := r.Dispatch(context.Background(), mustRequest(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolRequest{
			Name:      "echo",
			Arguments: json.RawMessage(`{"text":"hi"}`),
		}))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if source.lastCall != "echo" {
			t.Fatalf("want call to echo, got %q", source.lastCall)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(result.Content) != 1 || result.Content[0].Text != "hi" {
			t.Fatalf("unexpected content: %+v", result.Content)
		}
	})

	t.Run("tools/call without a name", func(t *testing.T) {
		resp, err := r.Dispatch(context.Background(), mustRequest(t, 3, string(mcp.ToolsCallMethod), mcp.CallToolRequest{}))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("want invalid params error, got %+v", resp.Error)
		}
	})
}
