package collector

import (
	"fmt"
	"testing"
)

func TestDedupIdempotence(t *testing.T) {
	d := NewLineDeduplicator(16)

	line := `12:00:01 | Player "Foo" (pos=<100.0, 5.0, 200.0>)`
	if !d.Accept(line) {
		t.Fatal("first delivery rejected")
	}
	if d.Accept(line) {
		t.Fatal("replayed line accepted")
	}
	// Whitespace variants fingerprint the same after trimming
	if d.Accept("  " + line + "\r\n") {
		t.Fatal("trimmed replay accepted")
	}
}

func TestDedupBlankLines(t *testing.T) {
	d := NewLineDeduplicator(16)
	if d.Accept("") || d.Accept("   \r\n") {
		t.Fatal("blank line accepted")
	}
}

func TestDedupEviction(t *testing.T) {
	d := NewLineDeduplicator(4)

	for i := 0; i < 4; i++ {
		if !d.Accept(fmt.Sprintf("line %d", i)) {
			t.Fatalf("line %d rejected", i)
		}
	}
	// Window full: a fifth line evicts "line 0"
	if !d.Accept("line 4") {
		t.Fatal("line 4 rejected")
	}
	if !d.Accept("line 0") {
		t.Fatal("evicted line still remembered")
	}
	// "line 1" was evicted in turn by re-accepting "line 0"
	if d.Accept("line 4") {
		t.Fatal("line 4 should still be in the window")
	}
}

func TestDedupBoundedMemory(t *testing.T) {
	d := NewLineDeduplicator(8)
	for i := 0; i < 10000; i++ {
		d.Accept(fmt.Sprintf("line %d", i))
	}
	if len(d.seen) > 8 {
		t.Fatalf("fingerprint set grew to %d entries", len(d.seen))
	}
}
