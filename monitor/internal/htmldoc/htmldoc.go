// Package htmldoc queries a page's HTML snapshot with a subset of CSS
// selectors, enough to locate presence widgets:
//
//   - tag: "span"
//   - .class, chained: ".presence-status", "div.omni.status"
//   - #id: "#presence"
//   - [attr], [attr=val]: "[data-status-id]", "span[role=status]"
//   - descendant combinator: ".utility-bar .presence-status"
package htmldoc

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Document is a parsed HTML snapshot.
type Document struct {
	root *html.Node
}

// Element is one element of a Document.
type Element struct {
	n *html.Node
}

// Parse parses an HTML snapshot.
func Parse(s string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return &Document{root: root}, nil
}

// First returns the first element in document order matching selector, or
// nil.
func (d *Document) First(selector string) *Element {
	all := d.All(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// All returns every element matching selector, in document order.
func (d *Document) All(selector string) []*Element {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(d.root, parseSimpleSelector(parts[0]), false)
	for _, p := range parts[1:] {
		sel := parseSimpleSelector(p)
		seen := make(map[*html.Node]bool)
		var next []*html.Node
		for _, parent := range matches {
			for _, n := range matchSimple(parent, sel, true) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		matches = next
	}

	out := make([]*Element, len(matches))
	for i, n := range matches {
		out[i] = &Element{n: n}
	}
	return out
}

// Attr returns the value of attribute key.
func (e *Element) Attr(key string) (string, bool) {
	for _, a := range e.n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Classes returns the element's class list.
func (e *Element) Classes() []string {
	v, _ := e.Attr("class")
	return strings.Fields(v)
}

// Tag returns the element name.
func (e *Element) Tag() string { return e.n.Data }

// Text returns the element's text content with whitespace collapsed.
func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return strings.Join(strings.Fields(b.String()), " ")
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasVal  bool
}

// parseSimpleSelector parses one compound selector such as
// "span.presence.status[data-status-id]".
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attr := strings.TrimSuffix(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			s.attrKey = attr[:eq]
			s.attrVal = strings.Trim(attr[eq+1:], `"'`)
			s.hasVal = true
		} else {
			s.attrKey = attr
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		rest := sel[idx+1:]
		sel = sel[:idx]
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			sel += rest[dot:]
			rest = rest[:dot]
		}
		s.id = rest
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		for _, c := range strings.Split(sel[idx+1:], ".") {
			if c != "" {
				s.classes = append(s.classes, c)
			}
		}
		sel = sel[:idx]
	}

	s.tag = strings.ToLower(sel)
	return s
}

// matchSimple returns root's descendants (and root itself unless
// descendantsOnly) matching s, in document order.
func matchSimple(root *html.Node, s simpleSelector, descendantsOnly bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if (n != root || !descendantsOnly) && matches(n, s) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func matches(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	e := Element{n: n}
	if s.id != "" {
		if v, _ := e.Attr("id"); v != s.id {
			return false
		}
	}
	if len(s.classes) > 0 {
		have := e.Classes()
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if s.attrKey != "" {
		v, ok := e.Attr(s.attrKey)
		if !ok || (s.hasVal && v != s.attrVal) {
			return false
		}
	}
	return true
}
