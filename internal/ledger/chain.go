// Package ledger implements the hash-chained, append-only emission event log.
//
// Every ingested emission measurement is an Event. Its hashes are
//
//	content_hash = SHA-256(canonical(material))
//	row_hash     = SHA-256(prev_hash + "|" + content_hash)
//
// where prev_hash is the row_hash of the chain head when the event was
// appended, and the empty string for the first event. Editing any material
// field, or removing/reordering events, breaks the chain from that point on.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/carbondna/ledger/internal/canonical"
)

// ChainHead is the row_hash of the most recently appended event.
// Genesis is the head of an empty chain.
type ChainHead string

// Genesis is the empty-string sentinel used as prev_hash of the first event.
const Genesis ChainHead = ""

// DigestLen is the length of a lowercase hex SHA-256 digest.
const DigestLen = 64

// Append computes the content and row hashes for material appended after
// head. It is pure; persisting the result and advancing the head is the
// caller's job (see Ledger.Append for the serialized version).
func Append(material map[string]any, head ChainHead) (rowHash, contentHash string, err error) {
	b, err := canonical.Canonicalize(material)
	if err != nil {
		return "", "", err
	}
	contentHash = sha256Hex(b)
	rowHash = chainHash(head, contentHash)
	return rowHash, contentHash, nil
}

// FieldHashes returns a per-field digest of the material, used to pinpoint
// which field changed when a content hash diverges.
func FieldHashes(material map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(material))
	for k, v := range material {
		b, err := canonical.Canonicalize(map[string]any{k: v})
		if err != nil {
			return nil, fmt.Errorf("fingerprinting field %s: %w", k, err)
		}
		out[k] = sha256Hex(b)
	}
	return out, nil
}

func chainHash(head ChainHead, contentHash string) string {
	return sha256Hex([]byte(string(head) + "|" + contentHash))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
