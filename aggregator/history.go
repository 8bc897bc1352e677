package aggregator

import "github.com/hazyhaar/presencewatch/presence"

// DefaultHistoryLimit bounds the retained status history.
const DefaultHistoryLimit = 100

// History is a bounded, time-ascending sequence of status events. When full,
// appending evicts the oldest insertion. Not safe for concurrent use; the
// Aggregator guards it.
type History struct {
	limit  int
	events []presence.StatusEvent
}

// NewHistory creates an empty history holding at most limit events, and
// never more than DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, events: make([]presence.StatusEvent, 0, limit)}
}

// Append adds ev and returns the evicted event, if any.
func (h *History) Append(ev presence.StatusEvent) (evicted presence.StatusEvent, ok bool) {
	if len(h.events) == h.limit {
		evicted, ok = h.events[0], true
		copy(h.events, h.events[1:])
		h.events = h.events[:h.limit-1]
	}
	h.events = append(h.events, ev)
	return evicted, ok
}

// Events returns a copy, oldest first.
func (h *History) Events() []presence.StatusEvent {
	out := make([]presence.StatusEvent, len(h.events))
	copy(out, h.events)
	return out
}

// Last returns the newest event.
func (h *History) Last() (presence.StatusEvent, bool) {
	if len(h.events) == 0 {
		return presence.StatusEvent{}, false
	}
	return h.events[len(h.events)-1], true
}

// Len returns the number of retained events.
func (h *History) Len() int { return len(h.events) }

// Limit returns the bound.
func (h *History) Limit() int { return h.limit }
