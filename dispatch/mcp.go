package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/mcp"
)

// ToolSource supplies the tool surface the MCP methods expose. The tools
// package provides the canonical implementation.
type ToolSource interface {
	List() []mcp.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// MCPConfig describes the gateway identity advertised during initialization.
type MCPConfig struct {
	ServerInfo   mcp.ImplementationInfo
	Instructions string
	Tools        ToolSource
}

// NewMCP builds a registry pre-populated with the core MCP methods:
// initialize, notifications/initialized, ping, tools/list, and tools/call.
func NewMCP(cfg MCPConfig, opts ...Option) *Registry {
	r := NewRegistry(opts...)
	RegisterMCP(r, cfg)
	return r
}

// RegisterMCP installs the core MCP method handlers on an existing registry.
func RegisterMCP(r *Registry, cfg MCPConfig) {
	r.Register(string(mcp.InitializeMethod), initializeHandler(cfg))
	r.Register(string(mcp.InitializedNotificationMethod), func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, nil
	})
	r.Register(string(mcp.PingMethod), func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	})
	if cfg.Tools != nil {
		r.Register(string(mcp.ToolsListMethod), toolsListHandler(cfg.Tools))
		r.Register(string(mcp.ToolsCallMethod), toolsCallHandler(cfg.Tools))
	}
}

func initializeHandler(cfg MCPConfig) HandlerFunc {
	return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		// Params are accepted but not negotiated; the gateway speaks a
		// single protocol generation.
		result := mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools: &struct {
					ListChanged bool `json:"listChanged"`
				}{},
			},
			ServerInfo:   cfg.ServerInfo,
			Instructions: cfg.Instructions,
		}
		return jsonrpc.NewResultResponse(req.ID, result)
	}
}

func toolsListHandler(source ToolSource) HandlerFunc {
	return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: source.List()})
	}
}

func toolsCallHandler(source ToolSource) HandlerFunc {
	return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		var call mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
				"invalid tools/call params: "+err.Error(), nil), nil
		}
		if call.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
				"tools/call requires a tool name", nil), nil
		}
		result, err := source.Call(ctx, call.Name, call.Arguments)
		if err != nil {
			return nil, err
		}
		return jsonrpc.NewResultResponse(req.ID, result)
	}
}
