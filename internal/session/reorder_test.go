package session

import (
	"testing"
)

func TestReorderBufferReleasesInDetectionOrder(t *testing.T) {
	b := newReorderBuffer()
	b.expect(0)
	b.expect(1000)
	b.expect(2500)

	if ready := b.complete(2500, Result{Text: "three"}); len(ready) != 0 {
		t.Fatalf("completing out of order released %d results, want 0", len(ready))
	}
	if ready := b.complete(1000, Result{Text: "two"}); len(ready) != 0 {
		t.Fatalf("completing out of order released %d results, want 0", len(ready))
	}

	ready := b.complete(0, Result{Text: "one"})
	if len(ready) != 3 {
		t.Fatalf("released %d results, want 3", len(ready))
	}
	for i, want := range []string{"one", "two", "three"} {
		if ready[i].Text != want {
			t.Errorf("ready[%d].Text = %q, want %q", i, ready[i].Text, want)
		}
	}
	if b.outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", b.outstanding())
	}
}

func TestReorderBufferPartialRun(t *testing.T) {
	b := newReorderBuffer()
	b.expect(0)
	b.expect(500)
	b.expect(900)

	ready := b.complete(0, Result{Text: "a"})
	if len(ready) != 1 || ready[0].Text != "a" {
		t.Fatalf("ready = %v, want just %q", ready, "a")
	}

	ready = b.complete(900, Result{Text: "c"})
	if len(ready) != 0 {
		t.Fatalf("released %d results with a gap in front, want 0", len(ready))
	}
	if b.outstanding() != 2 {
		t.Errorf("outstanding = %d, want 2", b.outstanding())
	}

	ready = b.complete(500, Result{Text: "b"})
	if len(ready) != 2 || ready[0].Text != "b" || ready[1].Text != "c" {
		t.Fatalf("ready = %v, want [b c]", ready)
	}
}
