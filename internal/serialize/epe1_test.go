package serialize

import (
	"bytes"
	"strings"
	"testing"

	"github.com/arlen-kass/epigen/internal/epath"
	"github.com/arlen-kass/epigen/internal/trie"
)

func buildStore(t *testing.T) *trie.Store {
	t.Helper()
	s := trie.New("checkout", epath.DefaultLimits())
	for _, p := range []string{"user.profile.email", "user.profile.ssn", "user.cart.items", "order.total"} {
		if err := s.Allow(p); err != nil {
			t.Fatalf("allow %q: %v", p, err)
		}
	}
	if err := s.Suppress("user.profile.ssn"); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	return s
}

func TestExportImportRoundTrip(t *testing.T) {
	src := buildStore(t)

	var buf bytes.Buffer
	if err := Export(&buf, src); err != nil {
		t.Fatalf("export: %v", err)
	}

	root, count, err := Import(&buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if int(count) != src.NodeCount() {
		t.Fatalf("node count mismatch: got %d, want %d", count, src.NodeCount())
	}

	dst := trie.New("checkout", epath.DefaultLimits())
	dst.ReplaceRoot(root, "checkout")

	for _, p := range src.Flatten() {
		res, err := dst.Check(p)
		if err != nil {
			t.Fatalf("check %q: %v", p, err)
		}
		if res != trie.Allowed {
			t.Fatalf("expected %q to remain allowed after round trip, got %v", p, res)
		}
	}

	res, err := dst.Check("user.profile.ssn")
	if err != nil {
		t.Fatalf("check suppressed path: %v", err)
	}
	if res != trie.BlockedSuppressed {
		t.Fatalf("expected suppressed path to stay blocked after round trip, got %v", res)
	}
}

func TestImportRejectsBadMagic(t *testing.T) {
	_, _, err := Import(strings.NewReader("NOPE\x01\x00\x00\x00"))
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestImportRejectsTruncatedStream(t *testing.T) {
	src := buildStore(t)
	var buf bytes.Buffer
	if err := Export(&buf, src); err != nil {
		t.Fatalf("export: %v", err)
	}

	truncated := buf.Bytes()[:buf.Len()-3]
	_, _, err := Import(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected error on truncated stream")
	}
}

func TestImportIntoOnlyMutatesOnSuccess(t *testing.T) {
	dst := buildStore(t)
	before := dst.Flatten()

	err := ImportInto(dst, strings.NewReader("garbage"))
	if err == nil {
		t.Fatal("expected error")
	}

	after := dst.Flatten()
	if len(before) != len(after) {
		t.Fatalf("destination store was mutated on failed import: before=%v after=%v", before, after)
	}
}
