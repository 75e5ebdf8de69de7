package dpid

import (
	"testing"

	"pgregory.net/rapid"
)

func TestNarrowIdentityUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := NewTable()
		id := DatapathID(rapid.Uint64Range(0, Mask).Draw(t, "id"))

		if got := table.Effective(id); got != id {
			t.Fatalf("expected %s to be unchanged, got %s", id, got)
		}
		if table.Len() != 0 {
			t.Fatalf("expected no alias entry for %s", id)
		}
		if got := table.Original(id); got != id {
			t.Fatalf("expected original of %s to be itself, got %s", id, got)
		}
	})
}

func TestWideIdentityAliased(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := NewTable()
		id := DatapathID(rapid.Uint64Range(Mask+1, ^uint64(0)).Draw(t, "id"))

		first := table.Effective(id)
		second := table.Effective(id)
		if first != second {
			t.Fatalf("hash of %s not deterministic: %s != %s", id, first, second)
		}
		if uint64(first) > Mask {
			t.Fatalf("effective %s for %s exceeds 48 bits", first, id)
		}
		if got := table.Original(first); got != id {
			t.Fatalf("expected original %s, got %s", id, got)
		}
		if table.Len() != 1 {
			t.Fatalf("expected exactly one alias, found %d", table.Len())
		}
	})
}

func TestHashStableAcrossTables(t *testing.T) {
	id := DatapathID(0x1000000000000005)
	a := NewTable().Effective(id)
	b := NewTable().Effective(id)
	if a != b {
		t.Errorf("expected same effective identity, got %s and %s", a, b)
	}
	if a == id {
		t.Errorf("expected %s to be aliased", id)
	}
}

func TestAliasKeepsFirstMapping(t *testing.T) {
	table := NewTable()
	id := DatapathID(0xffff000000000001)
	h := table.Effective(id)

	// force a collision by planting a different original under the same key
	table.originals[h] = DatapathID(0xeeee000000000001)
	if got := table.Effective(id); got != h {
		t.Errorf("expected %s, got %s", h, got)
	}
	if got := table.Original(h); got != DatapathID(0xeeee000000000001) {
		t.Errorf("existing mapping was overwritten, got %s", got)
	}
}

func TestParse(t *testing.T) {
	for in, want := range map[string]DatapathID{
		"0x00000000000000ab":    0xab,
		"of:0x00000000000000ab": 0xab,
		"171":                   0xab,
	} {
		got, err := Parse(in)
		if err != nil {
			t.Errorf("unexpected error parsing '%s' : %s", in, err)
			continue
		}
		if got != want {
			t.Errorf("parse '%s' : expected %s, got %s", in, want, got)
		}
	}
	if _, err := Parse("of:zz"); err == nil {
		t.Errorf("expected error parsing invalid DPID")
	}
}
