package anchor

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"evidenceledger/internal/domain"
)

func TestKeccak256KnownVectors(t *testing.T) {
	if got := hex.EncodeToString(Keccak256(nil)); got != "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Fatalf("unexpected keccak256(\"\"): %s", got)
	}
	selector := hex.EncodeToString(Keccak256([]byte("transfer(address,uint256)"))[:4])
	if selector != "a9059cbb" {
		t.Fatalf("unexpected selector: %s", selector)
	}
}

func TestDeriveAnchorKeyDeterministic(t *testing.T) {
	first, err := DeriveAnchorKey(42)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveAnchorKey(42)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if first != second {
		t.Fatalf("anchor key not stable: %s vs %s", first, second)
	}
	other, err := DeriveAnchorKey(43)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if other == first {
		t.Fatalf("distinct ids produced the same key")
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 66 {
		t.Fatalf("unexpected key format: %s", first)
	}
	if _, err := DeriveAnchorKey(0); err == nil {
		t.Fatalf("expected error for zero id")
	}
}

func TestBuildSubmissionRequiresRoot(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := domain.Anchor{ID: 7, PeriodStart: start, PeriodEnd: start.Add(time.Hour), Status: domain.AnchorStatusEmpty}
	if _, err := BuildSubmission(a); err == nil {
		t.Fatalf("expected error for anchor without root")
	}
	root := strings.Repeat("ab", 32)
	a.MerkleRoot = &root
	a.Status = domain.AnchorStatusPending
	sub, err := BuildSubmission(a)
	if err != nil {
		t.Fatalf("build submission: %v", err)
	}
	if sub.AnchorID != 7 || sub.MerkleRoot != root {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	key, _ := DeriveAnchorKey(7)
	if sub.AnchorKey != key {
		t.Fatalf("expected derived key, got %s", sub.AnchorKey)
	}
}

func TestEncodeAnchorCallLayout(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	root := strings.Repeat("01", 32)
	key, _ := DeriveAnchorKey(1)
	data, err := EncodeAnchorCall(domain.AnchorSubmission{
		AnchorID:    1,
		AnchorKey:   key,
		MerkleRoot:  root,
		PeriodStart: start,
		PeriodEnd:   start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 4+4*32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	if !bytes.Equal(data[:4], Keccak256([]byte(anchorFunctionSignature))[:4]) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if hex.EncodeToString(data[36:68]) != root {
		t.Fatalf("merkle root not in second word")
	}
	if got := hex.EncodeToString(data[4+3*32-4 : 4+3*32]); got != "6553f100" {
		t.Fatalf("unexpected period start word tail %s", got)
	}

	if _, err := EncodeAnchorCall(domain.AnchorSubmission{AnchorKey: key, MerkleRoot: root, PeriodStart: start, PeriodEnd: start}); err == nil {
		t.Fatalf("expected error for empty period")
	}
}

func TestFindAnchorLog(t *testing.T) {
	key, _ := DeriveAnchorKey(3)
	contract := "0x00000000000000000000000000000000000000aa"
	receipt := domain.ChainReceipt{
		Success: true,
		Logs: []domain.ChainLog{
			{Address: "0x00000000000000000000000000000000000000bb", Topics: []string{EventTopic(), key}, LogIndex: 0},
			{Address: contract, Topics: []string{"0x01"}, LogIndex: 1},
			{Address: strings.ToUpper(contract[2:]), Topics: []string{EventTopic(), key}, LogIndex: 2},
			{Address: contract, Topics: []string{EventTopic(), strings.ToUpper(key[2:])}, LogIndex: 3},
		},
	}
	idx, ok := FindAnchorLog(receipt, contract, EventTopic(), key)
	if !ok || idx != 3 {
		t.Fatalf("expected log index 3, got %d (found=%v)", idx, ok)
	}
	other, _ := DeriveAnchorKey(4)
	if _, ok := FindAnchorLog(receipt, contract, EventTopic(), other); ok {
		t.Fatalf("expected no log for a different anchor key")
	}
}

func TestTruncateReceiptJSON(t *testing.T) {
	small := []byte(`{"status":"0x1"}`)
	out, truncated, size := TruncateReceiptJSON(small)
	if truncated || size != len(small) || !bytes.Equal(out, small) {
		t.Fatalf("small receipt should pass through")
	}
	large := bytes.Repeat([]byte("a"), maxProviderReceiptBytes+1)
	out, truncated, size = TruncateReceiptJSON(large)
	if !truncated || size != len(large) {
		t.Fatalf("expected truncation, got truncated=%v size=%d", truncated, size)
	}
	if !bytes.Contains(out, []byte(`"truncated":true`)) {
		t.Fatalf("expected truncation marker, got %s", out[:64])
	}
}

func TestArchiveReceiptHashesFullBody(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := domain.Anchor{ID: 9, ChainID: "1", ContractAddress: "0xabc", TxHash: "0xdead"}
	raw := []byte(`{"status":"0x1","blockNumber":"0x10"}`)
	rec := ArchiveReceipt(a, domain.ChainReceipt{Success: true, BlockNumber: 16, Raw: raw}, 4, at)
	if rec.AnchorID != 9 || rec.BlockNumber != 16 || rec.LogIndex != 4 || rec.TxHash != "0xdead" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
	if rec.ReceiptSHA256 != sha256Hex(raw) {
		t.Fatalf("receipt digest mismatch")
	}
	if !bytes.Equal(rec.ReceiptJSON, raw) {
		t.Fatalf("receipt body mismatch")
	}
}
