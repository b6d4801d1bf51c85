// Package merkle builds the binary SHA-256 hash trees that make ledger
// batches tamper-evident. Leaves and internal nodes are domain-separated:
// a leaf hash is SHA256(0x00 || leaf_bytes), a node hash is
// SHA256(0x01 || left || right). When a level has an odd node count the
// last node is duplicated.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	leafDomainPrefix = 0x00
	nodeDomainPrefix = 0x01
)

var ErrLeafIndex = errors.New("merkle: leaf index out of range")

// Tree is an immutable Merkle tree over an ordered sequence of leaves.
// Leaf order is the ledger event order; callers must not reorder.
type Tree struct {
	levels [][]string // levels[0] = leaf hashes, last level = [root]
}

// LeafHash computes the domain-separated hash of raw leaf bytes.
func LeafHash(leafBytes []byte) string {
	buf := make([]byte, 0, 1+len(leafBytes))
	buf = append(buf, leafDomainPrefix)
	buf = append(buf, leafBytes...)
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

// Build constructs a tree from ordered raw leaves.
func Build(leaves [][]byte) *Tree {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = LeafHash(l)
	}
	return BuildFromHashes(hashes)
}

// BuildFromHashes constructs a tree from precomputed leaf hashes
// (hex strings as produced by LeafHash).
func BuildFromHashes(leafHashes []string) *Tree {
	if len(leafHashes) == 0 {
		return &Tree{}
	}

	t := &Tree{}
	level := append([]string(nil), leafHashes...)
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		level = buildNextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t
}

// Root returns the root hash, or "" for an empty tree. Batches never close
// empty, so consumers treat "" as a programming error, not a valid root.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return ""
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}

	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	buf := make([]byte, 0, 1+2*sha256.Size)
	buf = append(buf, nodeDomainPrefix)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
