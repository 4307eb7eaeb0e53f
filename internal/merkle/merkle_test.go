package merkle

import (
	"errors"
	"testing"

	"github.com/carbondna/ledger/internal/canonical"
)

var rows = []string{
	"6979009eb79793e9ef172fd2e8eae681c20c73f51c434d46907435f932655fb4",
	"084e5335ee505fac05e0339537c6dca16389e812449b028c8fe5b3d44e2c6ace",
	"e0d03b093234d6dca4537b5a83fb14ccb307049dc72ed99ab87730000ba8915c",
}

func TestBuildRoot_Empty(t *testing.T) {
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := BuildRoot(nil); got != want {
		t.Errorf("empty root: got %s, want %s", got, want)
	}
	if EmptyRoot != want {
		t.Errorf("EmptyRoot: got %s", EmptyRoot)
	}
}

func TestBuildRoot_SingleLeaf(t *testing.T) {
	if got := BuildRoot(rows[:1]); got != rows[0] {
		t.Errorf("single leaf root should equal the leaf, got %s", got)
	}
}

func TestBuildRoot_TwoLeaves(t *testing.T) {
	want := "1fcd24d4f0c67ef6a9494e5e5fc5dfdfded6fdeef3965812e07760adec870a12"
	if got := BuildRoot(rows[:2]); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got := HashString(rows[0] + rows[1]); got != want {
		t.Error("parent must hash the hex concatenation")
	}
}

func TestBuildRoot_OddCountDuplicatesLast(t *testing.T) {
	want := "24ae1fe285b3a581e5ebc94d268f4858fb003af94e5080e54f7f0ca20e979158"
	if got := BuildRoot(rows); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	manual := HashString(HashString(rows[0]+rows[1]) + HashString(rows[2]+rows[2]))
	if manual != want {
		t.Error("manual reduction disagrees with golden root")
	}
	four := append(append([]string{}, rows...), rows[2])
	if BuildRoot(four) != want {
		t.Error("duplicating the last leaf explicitly should give the same root")
	}
}

func TestBuildRoot_OrderSensitive(t *testing.T) {
	base := BuildRoot(rows)
	perms := [][]string{
		{rows[1], rows[0], rows[2]},
		{rows[2], rows[1], rows[0]},
		{rows[0], rows[2], rows[1]},
	}
	for _, p := range perms {
		if BuildRoot(p) == base {
			t.Errorf("permutation %v should change the root", p)
		}
	}
}

func TestBuildRoot_DoesNotMutateInput(t *testing.T) {
	in := append([]string{}, rows...)
	BuildRoot(in)
	for i := range rows {
		if in[i] != rows[i] {
			t.Fatal("input slice was modified")
		}
	}
}

func TestBuildRoot_ManyLeaves(t *testing.T) {
	leaves := make([]string, 0, 13)
	for i := 0; i < 13; i++ {
		leaves = append(leaves, HashString(string(rune('a'+i))))
	}
	r1 := BuildRoot(leaves)
	r2 := BuildRoot(leaves)
	if r1 != r2 || len(r1) != 64 {
		t.Errorf("non-deterministic or malformed root %q", r1)
	}
}

func TestLeafHash(t *testing.T) {
	got, err := LeafHash(map[string]any{
		"id":               "rec-001",
		"date":             "2024-01-15",
		"supplier_name":    "Acme Steel",
		"activity_type":    "electricity",
		"emissions_kgco2e": "100",
		"record_hash":      "abababababababababababababababababababababababababababababababab",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "70f94711af74188b497f55170ccf007af2788d1897143a8ba82f71c04ef56c88"
	if got != want {
		t.Errorf("leaf: got %s, want %s", got, want)
	}
}

func TestLeafHash_EncodingError(t *testing.T) {
	_, err := LeafHash(map[string]any{"emissions_kgco2e": 1.5})
	var encErr *canonical.EncodingError
	if !errors.As(err, &encErr) {
		t.Errorf("expected EncodingError, got %v", err)
	}
}
