package domain

import "time"

type KeyAction string

const (
	KeyActionRotate KeyAction = "ROTATE"
	KeyActionRevoke KeyAction = "REVOKE"
)

func (a KeyAction) Valid() bool {
	return a == KeyActionRotate || a == KeyActionRevoke
}

type RequestStatus string

// EXECUTING is held by the key operation an approval authorizes; only one
// operation can take it.
const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusExecuting RequestStatus = "EXECUTING"
	RequestStatusRejected  RequestStatus = "REJECTED"
	RequestStatusExpired   RequestStatus = "EXPIRED"
	RequestStatusExecuted  RequestStatus = "EXECUTED"
)

func (s RequestStatus) Terminal() bool {
	return s != RequestStatusPending && s != RequestStatusApproved && s != RequestStatusExecuting
}

// Expirable reports whether the deadline sweep may move s to EXPIRED. A
// claimed request is left alone: its key operation may already have run.
func (s RequestStatus) Expirable() bool {
	return s == RequestStatusPending || s == RequestStatusApproved
}

// KeyLifecycleRequest is a two-person-rule mandate to rotate or revoke a
// signing key. ExpiresAt is the approval deadline while PENDING and the
// execution deadline once APPROVED.
type KeyLifecycleRequest struct {
	ID                 string
	Action             KeyAction
	TargetKeyID        string
	Reason             string
	Status             RequestStatus
	InitiatorID        string
	InitiatorSignature string
	InitiatorKeyID     string
	ApproverID         string
	ApproverSignature  string
	ApproverKeyID      string
	RejectorID         string
	RejectionReason    string
	ExecutorID         string
	ExecutionResult    string
	CreatedAt          time.Time
	ApprovedAt         *time.Time
	RejectedAt         *time.Time
	ExecutedAt         *time.Time
	ExpiredAt          *time.Time
	ExpiresAt          time.Time
	UpdatedAt          time.Time
}

func (r KeyLifecycleRequest) PastDeadline(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type KeyRequestFilter struct {
	Status      RequestStatus
	InitiatorID string
	Limit       int
}
