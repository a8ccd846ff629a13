package anchor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"evidenceledger/internal/domain"
)

const maxProviderReceiptBytes = 256 * 1024

// ArchiveReceipt builds the durable receipt record for a confirmed anchor.
// Receipts above the size cap keep a base64 prefix and the digest of the full
// body.
func ArchiveReceipt(a domain.Anchor, receipt domain.ChainReceipt, logIndex int64, at time.Time) domain.AnchorReceipt {
	body := cloneBytes(receipt.Raw)
	if len(body) == 0 {
		if encoded, err := json.Marshal(receipt); err == nil {
			body = encoded
		}
	}
	receiptJSON, truncated, size := TruncateReceiptJSON(body)
	return domain.AnchorReceipt{
		AnchorID:         a.ID,
		ChainID:          a.ChainID,
		ContractAddress:  a.ContractAddress,
		TxHash:           a.TxHash,
		BlockNumber:      receipt.BlockNumber,
		LogIndex:         logIndex,
		ReceiptJSON:      json.RawMessage(receiptJSON),
		ReceiptTruncated: truncated,
		ReceiptSizeBytes: size,
		ReceiptSHA256:    sha256Hex(body),
		CreatedAt:        at.UTC(),
	}
}

// FindAnchorLog returns the index of the log emitted by contract for the
// Anchored event with the given anchor key.
func FindAnchorLog(receipt domain.ChainReceipt, contract, topic, anchorKey string) (int64, bool) {
	for _, log := range receipt.Logs {
		if contract != "" && !strings.EqualFold(log.Address, contract) {
			continue
		}
		if len(log.Topics) == 0 || !strings.EqualFold(log.Topics[0], topic) {
			continue
		}
		if len(log.Topics) > 1 && anchorKey != "" && !SameWord(log.Topics[1], anchorKey) {
			continue
		}
		return log.LogIndex, true
	}
	return 0, false
}

func TruncateReceiptJSON(payload []byte) ([]byte, bool, int) {
	size := len(payload)
	if size == 0 {
		return nil, false, 0
	}
	if size <= maxProviderReceiptBytes {
		return payload, false, size
	}
	prefix := payload[:maxProviderReceiptBytes]
	truncated := map[string]any{
		"truncated":     true,
		"prefix_base64": base64.StdEncoding.EncodeToString(prefix),
	}
	encoded, err := json.Marshal(truncated)
	if err != nil {
		return nil, true, size
	}
	return encoded, true, size
}

func sha256Hex(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
