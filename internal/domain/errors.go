package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every specific error below wraps exactly one of them so callers
// can branch with errors.Is on the kind alone.
var (
	ErrChainIntegrity     = errors.New("chain integrity violation")
	ErrSigningKey         = errors.New("signing key error")
	ErrWorkflowState      = errors.New("workflow state error")
	ErrExternalChain      = errors.New("external chain error")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
)

var (
	ErrNoActiveKey     = fmt.Errorf("%w: no active signing key", ErrSigningKey)
	ErrKeyNotFound     = fmt.Errorf("%w: key not found", ErrSigningKey)
	ErrKeyRevoked      = fmt.Errorf("%w: key revoked", ErrSigningKey)
	ErrRevokeActiveKey = fmt.Errorf("%w: active key cannot be revoked, rotate first", ErrSigningKey)
	ErrNoMandate       = fmt.Errorf("%w: no approved key lifecycle request", ErrSigningKey)
)

var (
	ErrSelfApproval       = fmt.Errorf("%w: approver must differ from initiator", ErrWorkflowState)
	ErrRequestExpired     = fmt.Errorf("%w: request expired", ErrWorkflowState)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid transition", ErrWorkflowState)
	ErrTargetKeyRequired  = fmt.Errorf("%w: target_key_id is required for REVOKE", ErrWorkflowState)
	ErrTargetKeyNotFound  = fmt.Errorf("%w: target key does not exist", ErrWorkflowState)
	ErrBreakGlassActive   = fmt.Errorf("%w: a break-glass session is already open", ErrWorkflowState)
	ErrBreakGlassNotOpen  = fmt.Errorf("%w: break-glass session is not open", ErrWorkflowState)
	ErrDuplicateAnchor    = errors.New("anchor already exists for period")
	ErrAppendConflict     = errors.New("ledger append conflict")
	ErrDeadLetterReplayed = errors.New("dead-letter entry already replayed")
)

// ChainViolation describes the first row where the hash chain breaks.
type ChainViolation struct {
	Index    int    `json:"index"`
	EventID  int64  `json:"event_id"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (v *ChainViolation) Error() string {
	return fmt.Sprintf("chain integrity violation at index %d (event %d): %s expected %q got %q",
		v.Index, v.EventID, v.Field, v.Expected, v.Actual)
}

func (v *ChainViolation) Unwrap() error {
	return ErrChainIntegrity
}

// ChainError is a publish/confirm failure against the external registry. Code
// is one of the AnchorError* constants.
type ChainError struct {
	Code string
	Err  error
}

func (e *ChainError) Error() string {
	if e.Err == nil {
		return "external chain error: " + e.Code
	}
	return fmt.Sprintf("external chain error (%s): %v", e.Code, e.Err)
}

func (e *ChainError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalChain}
	}
	return []error{ErrExternalChain, e.Err}
}
