package util

import (
	"slices"
	"testing"
)

func TestPackSetCanonical(t *testing.T) {
	a := PackSet([]uint64{3, 1, 2, 3, 1})
	b := PackSet([]uint64{1, 2, 3})
	if a != b {
		t.Fatalf("order/duplicates changed encoding: %x vs %x", a, b)
	}
	if len(a) != 24 {
		t.Fatalf("len = %d, want 24", len(a))
	}
	if got := UnpackSet(a); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Fatalf("UnpackSet = %v", got)
	}
}

func TestPackSetEmpty(t *testing.T) {
	if s := PackSet(nil); s != "" {
		t.Fatalf("PackSet(nil) = %q", s)
	}
	if got := UnpackSet(""); len(got) != 0 {
		t.Fatalf("UnpackSet(\"\") = %v", got)
	}
}

func TestPackSetDoesNotMutateInput(t *testing.T) {
	in := []uint64{9, 1, 5}
	_ = PackSet(in)
	if !slices.Equal(in, []uint64{9, 1, 5}) {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestUnpackSetIgnoresPartialWord(t *testing.T) {
	p := PackSet([]uint64{7}) + "\x01\x02"
	if got := UnpackSet(p); !slices.Equal(got, []uint64{7}) {
		t.Fatalf("UnpackSet = %v", got)
	}
}

func TestCompositeKeyNoCollision(t *testing.T) {
	if CompositeKey("ab", "c") == CompositeKey("a", "bc") {
		t.Fatal("length prefix missing")
	}
	if CompositeKey("", "x") == CompositeKey("x", "") {
		t.Fatal("empty parts collide")
	}
	if got := CompositeKey("ab", "c"); got != "2:ab1:c" {
		t.Fatalf("CompositeKey = %q", got)
	}
}

func TestHash64Stable(t *testing.T) {
	if Hash64("kernel") != Hash64("kernel") {
		t.Fatal("hash not deterministic")
	}
	if Hash64("a") == Hash64("b") {
		t.Fatal("unexpected collision")
	}
}
