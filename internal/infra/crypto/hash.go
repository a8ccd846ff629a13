package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

func SHA256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// BlockHash is the normative chain hash:
// sha256(event_type \n created_at \n actor_id \n canonical_payload \n prev_hash).
func BlockHash(eventType string, createdAt time.Time, actorID string, canonicalPayload []byte, prevHash string) string {
	var b strings.Builder
	b.Grow(len(eventType) + len(actorID) + len(canonicalPayload) + len(prevHash) + len(TimestampLayout) + 4)
	b.WriteString(eventType)
	b.WriteByte('\n')
	b.WriteString(FormatTimestamp(createdAt))
	b.WriteByte('\n')
	b.WriteString(actorID)
	b.WriteByte('\n')
	b.Write(canonicalPayload)
	b.WriteByte('\n')
	b.WriteString(prevHash)
	return SHA256Hex([]byte(b.String()))
}

// LegacyBlockHash is the pre-actor format: sha256(event_type \n canonical_payload \n prev_hash).
func LegacyBlockHash(eventType string, canonicalPayload []byte, prevHash string) string {
	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte('\n')
	b.Write(canonicalPayload)
	b.WriteByte('\n')
	b.WriteString(prevHash)
	return SHA256Hex([]byte(b.String()))
}

// ChainHash selects the formula for a row: rows without an actor use the
// legacy form.
func ChainHash(eventType string, createdAt time.Time, actorID string, canonicalPayload []byte, prevHash string) string {
	if actorID == "" {
		return LegacyBlockHash(eventType, canonicalPayload, prevHash)
	}
	return BlockHash(eventType, createdAt, actorID, canonicalPayload, prevHash)
}
