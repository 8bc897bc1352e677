package connectivity

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/presencewatch/kit"
)

type routesReq struct {
	Service string `json:"service"`
}

type serviceRoute struct {
	Service ServiceInfo `json:"service"`
	Route   *RouteRow   `json:"route,omitempty"`
}

// RegisterMCP exposes the read-only presence_routes tool: the routed and
// local services of r, and the stored routes of admin.
func RegisterMCP(srv *mcp.Server, r *Router, admin *Admin) {
	tool := &mcp.Tool{
		Name:        "presence_routes",
		Description: "How each service is routed (local or remote) and the stored routes. Pass service to inspect one.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service": map[string]any{"type": "string", "description": "Service name, e.g. credentials"},
			},
		},
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		service := req.(*routesReq).Service
		if service != "" {
			return inspectService(ctx, r, admin, service)
		}
		routes, err := admin.ListRoutes(ctx)
		if err != nil {
			return nil, err
		}
		services := []ServiceInfo{}
		for info := range r.ListServices() {
			services = append(services, info)
		}
		if routes == nil {
			routes = []RouteRow{}
		}
		return map[string]any{"services": services, "routes": routes}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.JSONArgs[routesReq])
}

func inspectService(ctx context.Context, r *Router, admin *Admin, service string) (*serviceRoute, error) {
	info, ok := r.Inspect(service)
	if !ok {
		return nil, callError(service, ErrNotRoutable, "", nil)
	}
	out := &serviceRoute{Service: info}
	rr, err := admin.GetRoute(ctx, service)
	switch {
	case err == nil:
		out.Route = &rr
	case !errors.Is(err, ErrRouteNotFound):
		return nil, err
	}
	return out, nil
}
