// Package catalog maps opaque presence status codes to human-readable
// labels. A Catalog is built once at startup and never mutated afterwards;
// every Observer in the process shares the same instance.
package catalog

import (
	"fmt"
	"strings"
)

// Entry is one code/label pair. Order matters: heuristic matching walks
// entries in catalog order and the first hit wins.
type Entry struct {
	Code  string `yaml:"code" json:"code"`
	Label string `yaml:"label" json:"label"`
}

// defaultEntries is the Omni-Channel presence table of the monitored org.
var defaultEntries = []Entry{
	{"0N51r0000004CB8", "Short Break (personal)"},
	{"0N51r0000004CBI", "Training / QA / Meeting"},
	{"0N569000000oLnA", "One to One"},
	{"0N51r0000004CBD", "Lunch/Dinner"},
	{"0N51r000000CbLR", "Calls Only"},
	{"0N51r0000004CBS", "Assigned Task - Non-SF"},
	{"0N51r0000004CBN", "Assigned Task - Non-Omni"},
	{"0N569000000oLn9", "Assigned Task"},
	{"0N51r0000004CAy", "Online for Cases"},
}

// Catalog is an immutable, ordered code → label table.
type Catalog struct {
	entries []Entry
	labels  map[string]string
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := New(defaultEntries)
	return c
}

// New builds a catalog from entries. Codes must be unique and non-empty.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		labels:  make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if e.Code == "" {
			return nil, fmt.Errorf("catalog: empty code for label %q", e.Label)
		}
		if _, dup := c.labels[e.Code]; dup {
			return nil, fmt.Errorf("catalog: duplicate code %q", e.Code)
		}
		c.entries = append(c.entries, e)
		c.labels[e.Code] = e.Label
	}
	return c, nil
}

// WithOverrides returns a new catalog where overrides replace labels of
// existing codes and unknown codes are appended in the given order.
func (c *Catalog) WithOverrides(overrides []Entry) (*Catalog, error) {
	if len(overrides) == 0 {
		return c, nil
	}
	merged := make([]Entry, len(c.entries))
	copy(merged, c.entries)
	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[e.Code] = i
	}
	for _, o := range overrides {
		if i, ok := index[o.Code]; ok {
			merged[i].Label = o.Label
			continue
		}
		index[o.Code] = len(merged)
		merged = append(merged, o)
	}
	return New(merged)
}

// Label returns the label for code and whether it is known.
func (c *Catalog) Label(code string) (string, bool) {
	l, ok := c.labels[code]
	return l, ok
}

// Resolve returns the label for code, or "Unknown Status (<code>)".
func (c *Catalog) Resolve(code string) string {
	if l, ok := c.labels[code]; ok {
		return l
	}
	return UnknownLabel(code)
}

// UnknownLabel synthesises the label used for unrecognised codes.
func UnknownLabel(code string) string {
	return "Unknown Status (" + code + ")"
}

// Match finds the first entry whose label appears in text or whose code
// appears in classes. Returns the code and true on a hit.
func (c *Catalog) Match(text, classes string) (string, bool) {
	for _, e := range c.entries {
		if (e.Label != "" && strings.Contains(text, e.Label)) || strings.Contains(classes, e.Code) {
			return e.Code, true
		}
	}
	return "", false
}

// Entries returns a copy of the table in catalog order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }
