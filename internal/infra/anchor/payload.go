package anchor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"evidenceledger/internal/domain"

	"golang.org/x/crypto/sha3"
)

const (
	anchorFunctionSignature = "anchor(bytes32,bytes32,uint64,uint64)"
	anchoredEventSignature  = "Anchored(bytes32,bytes32,uint64,uint64)"
	wordSize                = 32
)

func Keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// EventTopic is topic0 of the registry contract's Anchored event.
func EventTopic() string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(anchoredEventSignature)))
}

// DeriveAnchorKey maps an anchor id to the bytes32 key used on chain:
// keccak256 of the id ABI-encoded as uint256. The same id always yields the
// same key, so a re-submission can be recognised by the contract.
func DeriveAnchorKey(anchorID int64) (string, error) {
	if anchorID <= 0 {
		return "", errors.New("anchor id must be positive")
	}
	word := make([]byte, wordSize)
	binary.BigEndian.PutUint64(word[wordSize-8:], uint64(anchorID))
	return "0x" + hex.EncodeToString(Keccak256(word)), nil
}

func BuildSubmission(a domain.Anchor) (domain.AnchorSubmission, error) {
	if a.ID <= 0 {
		return domain.AnchorSubmission{}, errors.New("anchor id is required")
	}
	if a.MerkleRoot == nil || *a.MerkleRoot == "" {
		return domain.AnchorSubmission{}, errors.New("anchor has no merkle root")
	}
	if _, err := decodeWord(*a.MerkleRoot); err != nil {
		return domain.AnchorSubmission{}, fmt.Errorf("merkle root: %w", err)
	}
	key, err := DeriveAnchorKey(a.ID)
	if err != nil {
		return domain.AnchorSubmission{}, err
	}
	return domain.AnchorSubmission{
		AnchorID:    a.ID,
		AnchorKey:   key,
		MerkleRoot:  *a.MerkleRoot,
		PeriodStart: a.PeriodStart.UTC(),
		PeriodEnd:   a.PeriodEnd.UTC(),
	}, nil
}

// EncodeAnchorCall ABI-encodes anchor(anchorKey, merkleRoot, periodStart,
// periodEnd) with period bounds as unix seconds.
func EncodeAnchorCall(sub domain.AnchorSubmission) ([]byte, error) {
	key, err := decodeWord(sub.AnchorKey)
	if err != nil {
		return nil, fmt.Errorf("anchor key: %w", err)
	}
	root, err := decodeWord(sub.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("merkle root: %w", err)
	}
	start := sub.PeriodStart.Unix()
	end := sub.PeriodEnd.Unix()
	if start < 0 || end <= start {
		return nil, errors.New("invalid anchor period")
	}
	out := make([]byte, 0, 4+4*wordSize)
	out = append(out, Keccak256([]byte(anchorFunctionSignature))[:4]...)
	out = append(out, key...)
	out = append(out, root...)
	out = append(out, uint64Word(uint64(start))...)
	out = append(out, uint64Word(uint64(end))...)
	return out, nil
}

func decodeWord(value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(raw) != wordSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", wordSize, len(raw))
	}
	return raw, nil
}

func uint64Word(v uint64) []byte {
	word := make([]byte, wordSize)
	binary.BigEndian.PutUint64(word[wordSize-8:], v)
	return word
}

// SameWord compares two hex encoded 32-byte values ignoring case and 0x prefix.
func SameWord(a, b string) bool {
	ra, err := decodeWord(a)
	if err != nil {
		return false
	}
	rb, err := decodeWord(b)
	if err != nil {
		return false
	}
	return hex.EncodeToString(ra) == hex.EncodeToString(rb)
}
