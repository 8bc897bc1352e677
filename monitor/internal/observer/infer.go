package observer

import (
	"context"
	"strings"

	"github.com/hazyhaar/presencewatch/monitor/internal/htmldoc"
)

// DefaultSelectors are the DOM locations of the presence widget, in
// priority order.
var DefaultSelectors = []string{
	".presence-status",
	"[data-status-id]",
	".omni-presence-status",
	".service-presence-status",
}

// statusAttrs are read in order on a matched element.
var statusAttrs = []string{"data-status-id", "data-presence-status-id"}

const sforceProbeJS = `() => {
	try {
		const p = window.sforce && window.sforce.presence;
		if (p && typeof p.getStatus === 'function') {
			const s = p.getStatus();
			if (s && s.statusId) return String(s.statusId);
		}
	} catch (e) {}
	return '';
}`

const lightningProbeJS = `() => {
	try {
		if (window.$A && typeof window.$A.get === 'function') {
			const v = window.$A.get('c.getPresenceStatus');
			if (typeof v === 'string') return v;
		}
	} catch (e) {}
	return '';
}`

type resultKind int

const (
	miss resultKind = iota
	found
	failed
)

// probeResult is the outcome of one capability probe.
type probeResult struct {
	kind resultKind
	code string
	err  error
}

func foundCode(code string) probeResult { return probeResult{kind: found, code: code} }
func probeFailed(err error) probeResult  { return probeResult{kind: failed, err: err} }

type probe struct {
	name string
	run  func(ctx context.Context) probeResult
}

func (o *Observer) probes() []probe {
	return []probe{
		{name: "dom", run: o.probeDOM},
		{name: "sforce", run: o.probeScript(sforceProbeJS)},
		{name: "lightning", run: o.probeScript(lightningProbeJS)},
	}
}

// infer runs the probes in order and reports the first code found. No code
// is a silent no-op.
func (o *Observer) infer(ctx context.Context, reason string) {
	for _, p := range o.probes() {
		res := p.run(ctx)
		switch res.kind {
		case found:
			label := o.catalog.Resolve(res.code)
			o.logger.Debug("observer: status inferred",
				"probe", p.name, "code", res.code, "label", label, "reason", reason)
			o.report(label, res.code)
			return
		case failed:
			o.logger.Debug("observer: probe failed", "probe", p.name, "error", res.err)
		}
	}
	o.logger.Debug("observer: no status found", "reason", reason)
}

func (o *Observer) probeDOM(ctx context.Context) probeResult {
	src, err := o.page.HTML(ctx)
	if err != nil {
		return probeFailed(err)
	}
	doc, err := htmldoc.Parse(src)
	if err != nil {
		return probeFailed(err)
	}

	for _, sel := range o.selectors {
		el := doc.First(sel)
		if el == nil {
			continue
		}
		for _, attr := range statusAttrs {
			if v, ok := el.Attr(attr); ok && v != "" {
				return foundCode(v)
			}
		}
		if code, ok := o.catalog.Match(el.Text(), strings.Join(el.Classes(), " ")); ok {
			return foundCode(code)
		}
	}
	return probeResult{kind: miss}
}

func (o *Observer) probeScript(js string) func(context.Context) probeResult {
	return func(ctx context.Context) probeResult {
		v, err := o.page.EvalString(ctx, js)
		if err != nil {
			return probeFailed(err)
		}
		if v == "" {
			return probeResult{kind: miss}
		}
		return foundCode(v)
	}
}
