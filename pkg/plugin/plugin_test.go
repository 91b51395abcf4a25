package plugin

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadNameMapEmptyPath(t *testing.T) {
	nm, err := LoadNameMap("")
	if err != nil {
		t.Fatalf("LoadNameMap(\"\") error: %v", err)
	}
	if len(nm.Names()) != 0 {
		t.Fatalf("expected no names, got %v", nm.Names())
	}
}

func TestLoadNameMapParsesAndRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.conf")
	content := "# comment\n0=auction\n\n1=escrow\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	nm, err := LoadNameMap(path)
	if err != nil {
		t.Fatalf("LoadNameMap error: %v", err)
	}
	if name, ok := nm.NameFor(0); !ok || name != "auction" {
		t.Fatalf("NameFor(0) = %q,%v", name, ok)
	}
	if idx, ok := nm.IdxFor("escrow"); !ok || idx != 1 {
		t.Fatalf("IdxFor(escrow) = %v,%v", idx, ok)
	}
	if !reflect.DeepEqual(nm.Names(), []string{"auction", "escrow"}) {
		t.Fatalf("Names() = %v", nm.Names())
	}

	dupPath := filepath.Join(dir, "dup.conf")
	os.WriteFile(dupPath, []byte("0=a\n0=b\n"), 0o644)
	if _, err := LoadNameMap(dupPath); err == nil {
		t.Fatal("expected error on duplicate idx")
	}
}

func TestOutputEntryRoundTrip(t *testing.T) {
	entry := OutputEntry{
		Groups: [][]byte{[]byte("lot-1"), []byte("bidder-2")},
		Data:   []byte{0x01, 0x02, 0x03},
	}
	encoded := encodeOutputEntry(entry)
	decoded, err := decodeOutputEntry(encoded)
	if err != nil {
		t.Fatalf("decodeOutputEntry error: %v", err)
	}
	if !reflect.DeepEqual(decoded, entry) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, entry)
	}
}

func TestOutputEntryRoundTripEmpty(t *testing.T) {
	entry := OutputEntry{}
	decoded, err := decodeOutputEntry(encodeOutputEntry(entry))
	if err != nil {
		t.Fatalf("decodeOutputEntry error: %v", err)
	}
	if len(decoded.Groups) != 0 || len(decoded.Data) != 0 {
		t.Fatalf("expected empty entry, got %+v", decoded)
	}
}

func TestMemberEncodesIdxAndGroupName(t *testing.T) {
	m1 := Member(1, []byte("x"))
	m2 := Member(2, []byte("x"))
	if reflect.DeepEqual(m1, m2) {
		t.Fatal("members for different idx must differ even with the same group name")
	}
	if m1[0] != 0 || m1[1] != 0 || m1[2] != 0 || m1[3] != 1 {
		t.Fatalf("expected big-endian idx prefix, got %v", m1[:4])
	}
}

func TestGroupMembersForOutput(t *testing.T) {
	g := NewGroup()
	entry := OutputEntry{Groups: [][]byte{[]byte("a"), []byte("b")}}
	items := g.MembersForOutput(7, 2, entry)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, it := range items {
		if it.Idx != 2 {
			t.Errorf("item idx = %d, want 2", it.Idx)
		}
	}
}
