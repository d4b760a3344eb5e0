package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

var keyShape = regexp.MustCompile(`^catalog:[A-Za-z0-9_.\-]*:(wfs|wms):h=[0-9a-f]{16}$`)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := Catalog("alice", "wfs")
	k2 := Catalog(" alice ", "WFS")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !keyShape.MatchString(k1) {
		t.Fatalf("unexpected key shape: %s", k1)
	}
}

func TestDifference_ServicesAndWorkspaces(t *testing.T) {
	if Catalog("alice", "wfs") == Catalog("alice", "wms") {
		t.Fatal("services must produce different keys")
	}
	// both sanitize to "a-b" but hash differently
	if Catalog("a/b", "wfs") == Catalog("a?b", "wfs") {
		t.Fatal("sanitization collision must be broken by the hash suffix")
	}
}

func TestUnicodeSafety_NoPanicAndASCIIOnly(t *testing.T) {
	k := Catalog("Göteborg 雪", "wms")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if !keyShape.MatchString(k) {
		t.Fatalf("unexpected key shape: %s", k)
	}
}

func TestLongWorkspaceIsTruncated(t *testing.T) {
	k := Catalog(strings.Repeat("w", 300), "wfs")
	seg := strings.Split(k, ":")[1]
	if len(seg) != maxSegmentLen {
		t.Fatalf("segment len=%d", len(seg))
	}
}

func TestCatalogAll(t *testing.T) {
	got := CatalogAll("alice", "wfs", "wms")
	if len(got) != 2 || got[0] != Catalog("alice", "wfs") || got[1] != Catalog("alice", "wms") {
		t.Fatalf("got=%v", got)
	}
}
