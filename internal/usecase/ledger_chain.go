package usecase

import (
	"strconv"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"
)

type ChainResult struct {
	OK            bool                   `json:"ok"`
	EventsChecked int                    `json:"events_checked"`
	LegacyRows    int                    `json:"legacy_rows"`
	Violation     *domain.ChainViolation `json:"violation,omitempty"`
}

// Err returns the violation as an error, or nil when the chain is intact.
func (r ChainResult) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}

// VerifyChain walks events in order and stops at the first broken link or
// hash. It never mutates or repairs anything.
func VerifyChain(events []domain.LedgerEvent) ChainResult {
	walker := &chainWalker{}
	for _, event := range events {
		if v := walker.step(event); v != nil {
			return walker.result(v)
		}
	}
	return walker.result(nil)
}

type chainWalker struct {
	index    int
	prevHash string
	prevID   int64
	legacy   int
}

func (w *chainWalker) step(event domain.LedgerEvent) *domain.ChainViolation {
	violation := func(field, expected, actual string) *domain.ChainViolation {
		return &domain.ChainViolation{
			Index:    w.index,
			EventID:  event.ID,
			Field:    field,
			Expected: expected,
			Actual:   actual,
		}
	}
	if w.index > 0 && event.ID <= w.prevID {
		return violation("id", "greater than previous id", formatID(event.ID))
	}
	if event.PrevHash != w.prevHash {
		return violation("prev_hash", w.prevHash, event.PrevHash)
	}
	expected := crypto.ChainHash(event.EventType, event.CreatedAt, event.ActorID, event.Payload, event.PrevHash)
	if expected != event.BlockHash {
		return violation("block_hash", expected, event.BlockHash)
	}
	if event.PayloadSHA256 != "" {
		if digest := crypto.SHA256Hex(event.Payload); digest != event.PayloadSHA256 {
			return violation("payload_c14n_sha256", digest, event.PayloadSHA256)
		}
	}
	if event.UsesLegacyHash() {
		w.legacy++
	}
	w.prevHash = event.BlockHash
	w.prevID = event.ID
	w.index++
	return nil
}

func (w *chainWalker) result(v *domain.ChainViolation) ChainResult {
	return ChainResult{
		OK:            v == nil,
		EventsChecked: w.index,
		LegacyRows:    w.legacy,
		Violation:     v,
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
