// Package merkle commits an ordered list of hex hashes to a single root.
//
// The tree is a plain binary tree over the hex strings themselves:
//
//	parent = SHA-256(left + right)   // hex text concatenation, not raw bytes
//
// A level with an odd count pairs its last element with itself. The root of
// an empty list is SHA-256("") and the root of a single leaf is the leaf.
//
// Leaf order is significant. Callers sort leaves before building; snapshot
// leaves are ordered ascending by record ID.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/carbondna/ledger/internal/canonical"
)

// EmptyRoot is SHA-256 of the empty string.
var EmptyRoot = HashString("")

// HashString returns the lowercase hex SHA-256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BuildRoot reduces leaves pairwise until one hash remains.
func BuildRoot(leaves []string) string {
	switch len(leaves) {
	case 0:
		return EmptyRoot
	case 1:
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashString(left+right))
	}
	return next
}

// LeafHash is SHA-256 over the canonical encoding of a leaf's material.
func LeafHash(material map[string]any) (string, error) {
	b, err := canonical.Canonicalize(material)
	if err != nil {
		return "", fmt.Errorf("merkle leaf: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
