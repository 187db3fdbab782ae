// Package integrity provides tamper-evident hashing and Merkle tree construction
// for node value snapshots. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// hashPrefix versions the canonical encoding. Bump it when the field set changes.
const hashPrefix = "v1:"

// ComputeContentHash produces a versioned SHA-256 hex digest over the computed
// fields of a snapshot. Identity and bookkeeping fields (ID, RunID, timestamps,
// SupersedesID) are excluded, so two runs over identical inputs hash equal.
func ComputeContentHash(nv model.NodeValue) string {
	h := sha256.New()
	w := fieldWriter{h: h}

	w.str(nv.NodeID)
	w.str(string(nv.Kind))
	w.str(nv.Period)
	w.num(nv.Value)
	w.str(string(nv.Status))
	w.str(string(nv.Formula))
	w.count(nv.FormulaVersion)
	w.str(nv.ThresholdVersion)
	w.str(nv.Error)

	w.count(len(nv.Inputs))
	for _, in := range nv.Inputs {
		w.str(in.NodeID)
		w.num(in.Value)
	}

	exp := nv.Explanation
	w.count(exp.ContributorCount)
	w.num(exp.RawValue)
	w.count(len(exp.Breakdown))
	for _, c := range exp.Breakdown {
		w.str(c.Source)
		w.num(c.Value)
		w.num(c.Weight)
	}
	w.count(len(exp.BandHistogram))
	for _, b := range exp.BandHistogram {
		w.str(b.Label)
		w.count(b.Count)
	}
	w.count(len(exp.CustomerAverages))
	for _, ca := range exp.CustomerAverages {
		w.str(ca.CustomerID)
		w.num(&ca.Average)
		w.count(ca.FeatureCount)
	}
	w.count(len(exp.Rejections))
	for _, r := range exp.Rejections {
		w.str(r.IndicatorID)
		w.str(r.CustomerID)
		w.str(r.FeatureID)
		w.str(r.BandLabel)
		w.str(string(r.Reason))
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyContentHash reports whether nv.ContentHash matches a fresh hash of nv.
func VerifyContentHash(nv model.NodeValue) bool {
	if !strings.HasPrefix(nv.ContentHash, hashPrefix) {
		return false
	}
	return nv.ContentHash == ComputeContentHash(nv)
}

// fieldWriter encodes each field as a 4-byte big-endian length prefix followed
// by the field bytes, which rules out delimiter collisions in free-form ids.
type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) str(s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // ids and labels are far below 4GiB
	w.h.Write(lenBuf[:])
	w.h.Write([]byte(s))
}

func (w fieldWriter) count(n int) {
	w.str(strconv.Itoa(n))
}

// num distinguishes nil from every real number, including zero.
func (w fieldWriter) num(v *float64) {
	if v == nil {
		w.str("null")
		return
	}
	w.str(strconv.FormatFloat(*v, 'g', -1, 64))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot folds the content hashes of a run into a single root.
// Leaves must be sorted by the caller. Empty input gives "", one leaf is its
// own root, and an odd node at any level is paired with itself.
func BuildMerkleRoot(leaves []string) string {
	switch len(leaves) {
	case 0:
		return ""
	case 1:
		return leaves[0]
	}

	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return level[0]
}
