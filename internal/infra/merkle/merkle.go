package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const HashSize = 32

// EmptyRoot is the defined root of a tree with no leaves: sha256 of the empty
// input. Anchors over empty periods store no root at all; this constant only
// exists so Root never has to fail on an empty slice.
const EmptyRoot = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var (
	ErrEmptyTree      = errors.New("empty merkle tree")
	ErrInvalidHashLen = errors.New("invalid hash length")
	ErrLeafNotFound   = errors.New("leaf not in tree")
)

// NodeHash combines two nodes as sha256(min(a,b) || max(a,b)), which makes the
// combine commutative.
func NodeHash(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	hasher := sha256.New()
	hasher.Write(a)
	hasher.Write(b)
	return hasher.Sum(nil)
}

// Root builds the root over hex leaf hashes. Leaves are sorted first so the
// result does not depend on insertion order. An unpaired tail is paired with
// itself. A single leaf is its own root.
func Root(leaves []string) (string, error) {
	level, err := sortedLeaves(leaves)
	if err != nil {
		return "", err
	}
	if len(level) == 0 {
		return EmptyRoot, nil
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// Proof returns the sibling path from leaf to root. Because NodeHash is
// commutative the path carries no left/right flags.
func Proof(leaves []string, leaf string) ([]string, error) {
	level, err := sortedLeaves(leaves)
	if err != nil {
		return nil, err
	}
	if len(level) == 0 {
		return nil, ErrEmptyTree
	}
	target, err := decodeHash(leaf)
	if err != nil {
		return nil, err
	}
	index := sort.Search(len(level), func(i int) bool {
		return bytes.Compare(level[i], target) >= 0
	})
	if index >= len(level) || !bytes.Equal(level[index], target) {
		return nil, ErrLeafNotFound
	}

	path := make([]string, 0)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		path = append(path, hex.EncodeToString(level[sibling]))
		level = nextLevel(level)
		index /= 2
	}
	return path, nil
}

func VerifyProof(leaf string, path []string, root string) (bool, error) {
	current, err := decodeHash(leaf)
	if err != nil {
		return false, err
	}
	expected, err := decodeHash(root)
	if err != nil {
		return false, err
	}
	for _, p := range path {
		sibling, err := decodeHash(p)
		if err != nil {
			return false, err
		}
		current = NodeHash(current, sibling)
	}
	return bytes.Equal(current, expected), nil
}

func nextLevel(level [][]byte) [][]byte {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, NodeHash(level[i], level[i+1]))
	}
	return next
}

func sortedLeaves(leaves []string) ([][]byte, error) {
	out := make([][]byte, 0, len(leaves))
	for i, leaf := range leaves {
		decoded, err := decodeHash(leaf)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		out = append(out, decoded)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i], out[j]) < 0
	})
	return out, nil
}

func decodeHash(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return nil, ErrInvalidHashLen
	}
	return raw, nil
}
