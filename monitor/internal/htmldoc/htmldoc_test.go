package htmldoc

import "testing"

const page = `<html><body>
<div class="utility-bar">
  <span class="presence-status" data-status-id="0N51r0000004CBD">Lunch/Dinner</span>
</div>
<div id="omni" class="omni-presence-status active">
  <span>  Calls
     Only </span>
</div>
<span class="presence-status" data-presence-status-id="0N51r000000CbLR"></span>
<a role="status" href="#">x</a>
</body></html>`

func mustParse(t *testing.T) *Document {
	t.Helper()
	d, err := Parse(page)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestFirst_ClassInDocumentOrder(t *testing.T) {
	el := mustParse(t).First(".presence-status")
	if el == nil {
		t.Fatal("no match")
	}
	if v, _ := el.Attr("data-status-id"); v != "0N51r0000004CBD" {
		t.Fatalf("got %q, want the first element", v)
	}
}

func TestAll(t *testing.T) {
	if n := len(mustParse(t).All(".presence-status")); n != 2 {
		t.Fatalf("got %d matches, want 2", n)
	}
}

func TestAttributeSelectors(t *testing.T) {
	d := mustParse(t)
	if el := d.First("[data-status-id]"); el == nil || el.Tag() != "span" {
		t.Fatal("[attr] selector failed")
	}
	if el := d.First("a[role=status]"); el == nil {
		t.Fatal("tag[attr=val] selector failed")
	}
	if el := d.First("a[role=banner]"); el != nil {
		t.Fatal("attr value mismatch should not match")
	}
}

func TestIDAndChainedClasses(t *testing.T) {
	d := mustParse(t)
	if d.First("#omni") == nil {
		t.Fatal("#id selector failed")
	}
	if d.First("div.omni-presence-status.active") == nil {
		t.Fatal("chained classes failed")
	}
	if d.First("div#omni.active") == nil {
		t.Fatal("id plus class failed")
	}
	if d.First(".omni-presence-status.inactive") != nil {
		t.Fatal("missing class should not match")
	}
}

func TestDescendant(t *testing.T) {
	d := mustParse(t)
	all := d.All(".utility-bar .presence-status")
	if len(all) != 1 {
		t.Fatalf("got %d, want 1", len(all))
	}
	if d.First(".utility-bar .utility-bar") != nil {
		t.Fatal("an element is not its own descendant")
	}
}

func TestTextAndClasses(t *testing.T) {
	el := mustParse(t).First(".omni-presence-status")
	if got := el.Text(); got != "Calls Only" {
		t.Fatalf("text: got %q, want %q", got, "Calls Only")
	}
	if cl := el.Classes(); len(cl) != 2 || cl[1] != "active" {
		t.Fatalf("classes: got %v", cl)
	}
}
