package epath

import (
	"errors"
	"testing"
)

func TestSplitRoot(t *testing.T) {
	segs, err := Split("", DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected empty segment list for root, got %v", segs)
	}
}

func TestSplitBasic(t *testing.T) {
	segs, err := Split("user.profile.email", DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"user", "profile", "email"}
	if len(segs) != len(want) {
		t.Fatalf("got %v, want %v", segs, want)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("got %v, want %v", segs, want)
		}
	}
}

func TestSplitRejectsEmptySegment(t *testing.T) {
	_, err := Split("a..b", DefaultLimits())
	if err == nil {
		t.Fatal("expected error for empty segment")
	}
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestSplitRejectsOversizedSegment(t *testing.T) {
	big := make([]byte, 300)
	for i := range big {
		big[i] = 'a'
	}
	_, err := Split(string(big), DefaultLimits())
	if err == nil {
		t.Fatal("expected error for oversized segment")
	}
}

func TestSplitRejectsExcessiveDepth(t *testing.T) {
	lim := Limits{MaxSegmentBytes: 256, MaxDepth: 2}
	_, err := Split("a.b.c", lim)
	if err == nil {
		t.Fatal("expected error for excessive depth")
	}
}

func TestJoinRoundTrip(t *testing.T) {
	paths := []string{"", "a", "a.b.c"}
	for _, p := range paths {
		segs, err := Split(p, DefaultLimits())
		if err != nil {
			t.Fatalf("split(%q): %v", p, err)
		}
		if got := Join(segs); got != p {
			t.Fatalf("Join(Split(%q)) = %q", p, got)
		}
	}
}

func TestDepth(t *testing.T) {
	cases := map[string]int{
		"":            0,
		"a":           1,
		"a.b":         2,
		"a.b.c.d":     4,
	}
	for p, want := range cases {
		if got := Depth(p); got != want {
			t.Fatalf("Depth(%q) = %d, want %d", p, got, want)
		}
	}
}
