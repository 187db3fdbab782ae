package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ragcascade/internal/model"
)

func pct(v float64) *float64 { return &v }

func sampleValue() model.NodeValue {
	return model.NodeValue{
		ID:               uuid.New(),
		RunID:            uuid.New(),
		NodeID:           "kr-1",
		Kind:             model.KindKeyResult,
		Period:           "2026-09",
		Value:            pct(60),
		Status:           model.StatusAmber,
		Formula:          model.FormulaAvg,
		FormulaVersion:   1,
		ThresholdVersion: model.ThresholdVersion,
		Inputs: []model.ChildValue{
			{NodeID: "kpi-1", Value: pct(80)},
			{NodeID: "kpi-2", Value: nil},
			{NodeID: "kpi-3", Value: pct(40)},
		},
		Explanation: model.Explanation{
			ContributorCount: 2,
			Breakdown: []model.Contribution{
				{Source: "kpi-1", Value: pct(80)},
				{Source: "kpi-3", Value: pct(40)},
			},
			RawValue: pct(60),
		},
		ComputedAt: time.Now(),
		ValidFrom:  time.Now(),
	}
}

func TestComputeContentHash_Deterministic(t *testing.T) {
	nv := sampleValue()
	h1 := ComputeContentHash(nv)
	h2 := ComputeContentHash(nv)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, hashPrefix) || len(h1) != len(hashPrefix)+64 {
		t.Fatalf("unexpected hash shape: %q", h1)
	}
}

func TestComputeContentHash_IgnoresIdentityAndTimestamps(t *testing.T) {
	a := sampleValue()
	b := sampleValue()
	b.ComputedAt = a.ComputedAt.Add(time.Hour)
	b.ValidFrom = b.ComputedAt
	prev := uuid.New()
	b.SupersedesID = &prev

	if ComputeContentHash(a) != ComputeContentHash(b) {
		t.Fatal("snapshots with equal computed fields should hash equal across runs")
	}
}

func TestComputeContentHash_NullDiffersFromZero(t *testing.T) {
	a := sampleValue()
	b := sampleValue()
	a.Inputs[1].Value = nil
	b.Inputs[1].Value = pct(0)
	if ComputeContentHash(a) == ComputeContentHash(b) {
		t.Fatal("a null input must not hash like a zero input")
	}
}

func TestComputeContentHash_FieldBoundaries(t *testing.T) {
	a := sampleValue()
	b := sampleValue()
	a.Inputs = []model.ChildValue{{NodeID: "ab", Value: nil}, {NodeID: "c", Value: nil}}
	b.Inputs = []model.ChildValue{{NodeID: "a", Value: nil}, {NodeID: "bc", Value: nil}}
	if ComputeContentHash(a) == ComputeContentHash(b) {
		t.Fatal("length prefixes should keep adjacent ids apart")
	}
}

func TestVerifyContentHash(t *testing.T) {
	nv := sampleValue()
	nv.ContentHash = ComputeContentHash(nv)
	if !VerifyContentHash(nv) {
		t.Fatal("verification should succeed for an untouched snapshot")
	}

	tampered := nv
	tampered.Value = pct(95)
	if VerifyContentHash(tampered) {
		t.Fatal("verification should fail after the value changes")
	}

	nv.ContentHash = "tampered_hash"
	if VerifyContentHash(nv) {
		t.Fatal("verification should fail for a foreign hash")
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	if root := BuildMerkleRoot(nil); root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	if root := BuildMerkleRoot([]string{leaf}); root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})
	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestBuildMerkleRoot_OddLeafPairsWithItself(t *testing.T) {
	got := BuildMerkleRoot([]string{"x", "y", "z"})
	want := hashPair(hashPair("x", "y"), hashPair("z", "z"))
	if got != want {
		t.Fatalf("odd leaf should pair with itself: got %q, want %q", got, want)
	}
}
