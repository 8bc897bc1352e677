package aggregator

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/presencewatch/kit"
)

// RegisterMCP exposes read-only aggregator tools on an MCP server.
func (a *Aggregator) RegisterMCP(srv *mcp.Server) {
	a.registerStateTool(srv)
	a.registerInstancesTool(srv)
	a.registerHistoryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type stateResp struct {
	LastStatus    string `json:"lastStatus"`
	LastUpdate    int64  `json:"lastUpdate"`
	Instances     int    `json:"instances"`
	Authenticated bool   `json:"isAuthenticated"`
	UserEmail     string `json:"userEmail,omitempty"`
}

func (a *Aggregator) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "presence_state",
		Description: "Current operator status, number of monitored instances and session state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		snap := a.Snapshot()
		return stateResp{
			LastStatus:    snap.LastStatus,
			LastUpdate:    snap.LastUpdate,
			Instances:     len(snap.Instances),
			Authenticated: snap.Session.Authenticated,
			UserEmail:     snap.Session.Email,
		}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.NoArgs)
}

func (a *Aggregator) registerInstancesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "presence_instances",
		Description: "Open monitored instances in registration order.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"instances": a.Instances()}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.NoArgs)
}

type historyReq struct {
	Limit int `json:"limit"`
}

func (a *Aggregator) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "presence_history",
		Description: "Recent status transitions, newest last.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max events (default: all retained)"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*historyReq)
		hist := a.History()
		if r.Limit > 0 && r.Limit < len(hist) {
			hist = hist[len(hist)-r.Limit:]
		}
		return map[string]any{"events": hist}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.JSONArgs[historyReq])
}
