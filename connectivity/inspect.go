package connectivity

import (
	"iter"
	"maps"
	"slices"
	"strings"
)

// ServiceInfo is a snapshot of how a service is routed.
type ServiceInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint,omitempty"`
	HasLocal bool   `json:"has_local"`
}

// Inspect reports how service would be routed now. ok is false when the
// service has neither a route nor a local handler.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inspectLocked(service)
}

// ListServices yields every known service in name order.
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		names := slices.Collect(maps.Keys(r.routeSnap))
		for name := range r.localHandlers {
			if _, routed := r.routeSnap[name]; !routed {
				names = append(names, name)
			}
		}
		infos := make([]ServiceInfo, 0, len(names))
		for _, n := range names {
			info, _ := r.inspectLocked(n)
			infos = append(infos, info)
		}
		r.mu.RUnlock()

		slices.SortFunc(infos, func(a, b ServiceInfo) int { return strings.Compare(a.Name, b.Name) })
		for _, info := range infos {
			if !yield(info) {
				return
			}
		}
	}
}

func (r *Router) inspectLocked(service string) (ServiceInfo, bool) {
	rt, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]
	if !hasRoute && !hasLocal {
		return ServiceInfo{}, false
	}
	info := ServiceInfo{Name: service, Strategy: StrategyLocal, HasLocal: hasLocal}
	if hasRoute {
		info.Strategy = rt.Strategy
		info.Endpoint = rt.Endpoint
	}
	return info, true
}
