package blockchain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/anchor"
)

const (
	DefaultChainID  = "31337"
	DefaultContract = "0x00000000000000000000000000000000000a0c40"
)

// Simulated is an in-process registry contract. It backs no-db/dev mode and
// tests. Transactions are mined immediately unless manual mining is enabled.
type Simulated struct {
	mu          sync.Mutex
	chainID     string
	contract    string
	manual      bool
	block       int64
	logIndex    int64
	pending     map[string]domain.AnchorSubmission
	receipts    map[string]domain.ChainReceipt
	byKey       map[string]string
	revert      map[string]bool
	publishErr  error
	receiptErr  error
	submissions int
}

func NewSimulated(chainID, contract string) *Simulated {
	if chainID == "" {
		chainID = DefaultChainID
	}
	if contract == "" {
		contract = DefaultContract
	}
	return &Simulated{
		chainID:  chainID,
		contract: strings.ToLower(contract),
		block:    1,
		pending:  make(map[string]domain.AnchorSubmission),
		receipts: make(map[string]domain.ChainReceipt),
		byKey:    make(map[string]string),
		revert:   make(map[string]bool),
	}
}

// ManualMining keeps published transactions unmined until Mine is called.
func (s *Simulated) ManualMining() {
	s.mu.Lock()
	s.manual = true
	s.mu.Unlock()
}

func (s *Simulated) FailPublish(err error) {
	s.mu.Lock()
	s.publishErr = err
	s.mu.Unlock()
}

func (s *Simulated) FailReceipt(err error) {
	s.mu.Lock()
	s.receiptErr = err
	s.mu.Unlock()
}

// RevertKey makes the next transaction for anchorKey revert when mined.
func (s *Simulated) RevertKey(anchorKey string) {
	s.mu.Lock()
	s.revert[strings.ToLower(anchorKey)] = true
	s.mu.Unlock()
}

func (s *Simulated) ChainID() string  { return s.chainID }
func (s *Simulated) Contract() string { return s.contract }

func (s *Simulated) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Simulated) EventTopic() string {
	return anchor.EventTopic()
}

func (s *Simulated) Publish(ctx context.Context, sub domain.AnchorSubmission) (domain.PublishReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.PublishReceipt{}, &domain.ChainError{Code: domain.AnchorErrorTimeout, Err: err}
	}
	if _, err := anchor.EncodeAnchorCall(sub); err != nil {
		return domain.PublishReceipt{}, &domain.ChainError{Code: domain.AnchorErrorBadConfig, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return domain.PublishReceipt{}, &domain.ChainError{Code: domain.AnchorErrorNetwork, Err: s.publishErr}
	}
	key := strings.ToLower(sub.AnchorKey)
	if txHash, ok := s.byKey[key]; ok {
		return s.publishReceipt(txHash), nil
	}
	s.submissions++
	txHash := s.txHash(sub)
	s.byKey[key] = txHash
	s.pending[txHash] = sub
	if !s.manual {
		s.mineLocked()
	}
	return s.publishReceipt(txHash), nil
}

func (s *Simulated) Receipt(ctx context.Context, txHash string) (*domain.ChainReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ChainError{Code: domain.AnchorErrorTimeout, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiptErr != nil {
		return nil, &domain.ChainError{Code: domain.AnchorErrorNetwork, Err: s.receiptErr}
	}
	receipt, ok := s.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, nil
	}
	out := receipt
	out.Logs = append([]domain.ChainLog(nil), receipt.Logs...)
	out.Raw = append(json.RawMessage(nil), receipt.Raw...)
	return &out, nil
}

// Mine includes every pending transaction in a new block.
func (s *Simulated) Mine() {
	s.mu.Lock()
	s.mineLocked()
	s.mu.Unlock()
}

func (s *Simulated) mineLocked() {
	if len(s.pending) == 0 {
		return
	}
	s.block++
	for txHash, sub := range s.pending {
		key := strings.ToLower(sub.AnchorKey)
		receipt := domain.ChainReceipt{BlockNumber: s.block}
		if s.revert[key] {
			delete(s.revert, key)
		} else {
			receipt.Success = true
			receipt.Logs = []domain.ChainLog{{
				Address:  s.contract,
				Topics:   []string{anchor.EventTopic(), key},
				Data:     "0x" + strings.TrimPrefix(strings.ToLower(sub.MerkleRoot), "0x"),
				LogIndex: s.logIndex,
			}}
			s.logIndex++
		}
		raw, err := json.Marshal(map[string]any{
			"transactionHash": txHash,
			"status":          statusQuantity(receipt.Success),
			"blockNumber":     receipt.BlockNumber,
			"logs":            receipt.Logs,
		})
		if err == nil {
			receipt.Raw = raw
		}
		s.receipts[txHash] = receipt
		delete(s.pending, txHash)
	}
}

func (s *Simulated) publishReceipt(txHash string) domain.PublishReceipt {
	return domain.PublishReceipt{
		TxHash:          txHash,
		ChainID:         s.chainID,
		ContractAddress: s.contract,
	}
}

func (s *Simulated) txHash(sub domain.AnchorSubmission) string {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, uint64(s.submissions))
	return "0x" + hex.EncodeToString(anchor.Keccak256([]byte(s.chainID), []byte(sub.AnchorKey), nonce))
}

func statusQuantity(ok bool) string {
	if ok {
		return "0x1"
	}
	return "0x0"
}
