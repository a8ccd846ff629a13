package merkle

import (
	"errors"
	"math/rand"
	"testing"
)

const (
	leafA = "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"
	leafB = "3e23e8160039594a33894f6564e1b1348bbd7a0088d42c4acb73eeaed59c009d"
	leafC = "2e7d2c03a9507ae265ecf5b5356885a53393a2029d241394997265a1a25aefc6"
)

func TestRootVectors(t *testing.T) {
	cases := []struct {
		name   string
		leaves []string
		want   string
	}{
		{name: "empty", leaves: nil, want: EmptyRoot},
		{name: "single leaf is its own root", leaves: []string{leafA}, want: leafA},
		{name: "pair", leaves: []string{leafA, leafB}, want: "18d79cb747ea174c59f3a3b41768672526d56fecc58360a99d283d0f9b0a3cc0"},
		{name: "odd tail duplicated", leaves: []string{leafA, leafB, leafC}, want: "0ce4772bfd16f3d58a054a38b8d2db5e5e8b5ae6acacb4f31ea34d84757d9a53"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Root(tc.leaves)
			if err != nil {
				t.Fatalf("root: %v", err)
			}
			if got != tc.want {
				t.Fatalf("root mismatch: got %s want %s", got, tc.want)
			}
		})
	}
}

func TestRootOrderIndependent(t *testing.T) {
	leaves := []string{leafA, leafB, leafC}
	want, err := Root(leaves)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), leaves...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Root(shuffled)
		if err != nil {
			t.Fatalf("root: %v", err)
		}
		if got != want {
			t.Fatalf("permutation %v changed root", shuffled)
		}
	}
}

func TestRootRejectsMalformedLeaf(t *testing.T) {
	if _, err := Root([]string{"abcd"}); !errors.Is(err, ErrInvalidHashLen) {
		t.Fatalf("expected ErrInvalidHashLen, got %v", err)
	}
	if _, err := Root([]string{"zz"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNodeHashCommutative(t *testing.T) {
	a := []byte{0x01, 0x02}
	b := []byte{0x03, 0x04}
	if string(NodeHash(a, b)) != string(NodeHash(b, a)) {
		t.Fatal("node hash must be commutative")
	}
}

func TestProofRoundTrip(t *testing.T) {
	leaves := []string{leafA, leafB, leafC}
	root, err := Root(leaves)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	for _, leaf := range leaves {
		path, err := Proof(leaves, leaf)
		if err != nil {
			t.Fatalf("proof for %s: %v", leaf, err)
		}
		ok, err := VerifyProof(leaf, path, root)
		if err != nil {
			t.Fatalf("verify proof: %v", err)
		}
		if !ok {
			t.Fatalf("proof for %s did not verify", leaf)
		}
	}

	path, err := Proof(leaves, leafA)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	ok, err := VerifyProof(leafA, path, leafB)
	if err != nil {
		t.Fatalf("verify proof: %v", err)
	}
	if ok {
		t.Fatal("proof must not verify against the wrong root")
	}
}

func TestProofUnknownLeaf(t *testing.T) {
	if _, err := Proof([]string{leafA, leafB}, leafC); !errors.Is(err, ErrLeafNotFound) {
		t.Fatalf("expected ErrLeafNotFound, got %v", err)
	}
	if _, err := Proof(nil, leafC); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}
