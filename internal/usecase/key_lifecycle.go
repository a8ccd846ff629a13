package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultApprovalTimeout = 24 * time.Hour
	DefaultExecutionWindow = time.Hour
)

// KeyOperator performs the signing-key operations a request authorizes. The
// operator claims the request by ID before touching any key.
type KeyOperator interface {
	RotateKeys(ctx context.Context, requestID string) (domain.SigningKey, error)
	RevokeKey(ctx context.Context, requestID, keyID, reason string) (domain.SigningKey, error)
	ActiveKey(ctx context.Context) (*domain.SigningKey, error)
}

type KeyLifecycleService struct {
	Requests        KeyRequestRepository
	Keys            SigningKeyRepository
	Signer          DigestSigner
	Operator        KeyOperator
	Events          *EventEmitter
	Clock           Clock
	Logger          *zap.Logger
	ApprovalTimeout time.Duration
	ExecutionWindow time.Duration
	NewID           func() string
}

func NewKeyLifecycleService(requests KeyRequestRepository, keys SigningKeyRepository, signer DigestSigner, events *EventEmitter, clock Clock, logger *zap.Logger) *KeyLifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyLifecycleService{
		Requests:        requests,
		Keys:            keys,
		Signer:          signer,
		Events:          events,
		Clock:           clock,
		Logger:          logger,
		ApprovalTimeout: DefaultApprovalTimeout,
		ExecutionWindow: DefaultExecutionWindow,
	}
}

type CreateKeyRequestInput struct {
	Action      domain.KeyAction
	TargetKeyID string
	Reason      string
	InitiatorID string
}

func (s *KeyLifecycleService) CreateRequest(ctx context.Context, in CreateKeyRequestInput) (domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	in.Action = domain.KeyAction(strings.ToUpper(strings.TrimSpace(string(in.Action))))
	in.InitiatorID = strings.TrimSpace(in.InitiatorID)
	in.TargetKeyID = strings.TrimSpace(in.TargetKeyID)
	if !in.Action.Valid() {
		return domain.KeyLifecycleRequest{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, in.Action)
	}
	if in.InitiatorID == "" {
		return domain.KeyLifecycleRequest{}, fmt.Errorf("%w: initiator_id is required", domain.ErrInvalidArgument)
	}
	if in.Action == domain.KeyActionRevoke {
		if in.TargetKeyID == "" {
			return domain.KeyLifecycleRequest{}, domain.ErrTargetKeyRequired
		}
		if err := s.ensureTargetExists(ctx, in.TargetKeyID); err != nil {
			return domain.KeyLifecycleRequest{}, err
		}
	}

	now := s.now()
	req := domain.KeyLifecycleRequest{
		ID:          s.newID(),
		Action:      in.Action,
		TargetKeyID: in.TargetKeyID,
		Reason:      in.Reason,
		Status:      domain.RequestStatusPending,
		InitiatorID: in.InitiatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.approvalTimeout()),
	}
	sig, keyID, err := s.signStatement(ctx, intentStatement(req))
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	req.InitiatorSignature = sig
	req.InitiatorKeyID = keyID

	if err := s.Requests.Create(ctx, req); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	s.Logger.Info("key lifecycle request created",
		zap.String("request_id", req.ID),
		zap.String("action", string(req.Action)),
		zap.String("initiator_id", req.InitiatorID))
	s.Events.emitQuiet(ctx, domain.EventKeyRequestCreated, req.InitiatorID, map[string]any{
		"request_id":    req.ID,
		"action":        string(req.Action),
		"target_key_id": req.TargetKeyID,
		"reason":        req.Reason,
		"expires_at":    req.ExpiresAt,
	})
	return req, nil
}

// ApproveRequest records the second principal. The approver is compared with
// the stored initiator here, at approval time.
func (s *KeyLifecycleService) ApproveRequest(ctx context.Context, requestID, approverID string) (domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return domain.KeyLifecycleRequest{}, fmt.Errorf("%w: approver_id is required", domain.ErrInvalidArgument)
	}
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	if req.Status != domain.RequestStatusPending {
		return domain.KeyLifecycleRequest{}, invalidTransition(req.Status, domain.RequestStatusApproved)
	}
	if approverID == req.InitiatorID {
		return domain.KeyLifecycleRequest{}, domain.ErrSelfApproval
	}
	now := s.now()
	if req.PastDeadline(now) {
		s.expire(ctx, *req, now)
		return domain.KeyLifecycleRequest{}, domain.ErrRequestExpired
	}

	next := *req
	next.Status = domain.RequestStatusApproved
	next.ApproverID = approverID
	next.ApprovedAt = &now
	next.ExpiresAt = now.Add(s.executionWindow())
	next.UpdatedAt = now
	sig, keyID, err := s.signStatement(ctx, approvalStatement(next))
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	next.ApproverSignature = sig
	next.ApproverKeyID = keyID

	if err := s.Requests.Update(ctx, next, domain.RequestStatusPending); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	s.Logger.Info("key lifecycle request approved",
		zap.String("request_id", next.ID),
		zap.String("approver_id", approverID))
	s.Events.emitQuiet(ctx, domain.EventKeyRequestApproved, approverID, map[string]any{
		"request_id":         next.ID,
		"action":             string(next.Action),
		"target_key_id":      next.TargetKeyID,
		"initiator_id":       next.InitiatorID,
		"execution_deadline": next.ExpiresAt,
	})
	return next, nil
}

func (s *KeyLifecycleService) RejectRequest(ctx context.Context, requestID, rejectorID, reason string) (domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	rejectorID = strings.TrimSpace(rejectorID)
	if rejectorID == "" {
		return domain.KeyLifecycleRequest{}, fmt.Errorf("%w: rejector_id is required", domain.ErrInvalidArgument)
	}
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	if req.Status != domain.RequestStatusPending {
		return domain.KeyLifecycleRequest{}, invalidTransition(req.Status, domain.RequestStatusRejected)
	}
	now := s.now()
	if req.PastDeadline(now) {
		s.expire(ctx, *req, now)
		return domain.KeyLifecycleRequest{}, domain.ErrRequestExpired
	}

	next := *req
	next.Status = domain.RequestStatusRejected
	next.RejectorID = rejectorID
	next.RejectionReason = reason
	next.RejectedAt = &now
	next.UpdatedAt = now
	if err := s.Requests.Update(ctx, next, domain.RequestStatusPending); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	s.Events.emitQuiet(ctx, domain.EventKeyRequestRejected, rejectorID, map[string]any{
		"request_id": next.ID,
		"action":     string(next.Action),
		"reason":     reason,
	})
	return next, nil
}

// MarkExecuted closes an approved request. An approval past its execution
// deadline is expired instead.
func (s *KeyLifecycleService) MarkExecuted(ctx context.Context, requestID, executorID, result string) (domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	req, err := s.approvedForExecution(ctx, requestID, executorID)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	return s.markExecuted(ctx, *req, domain.RequestStatusApproved, executorID, result, s.now())
}

// ExecuteRequest performs the mandated key operation and marks the request
// executed. The operation holds the request in EXECUTING while it runs; a
// failed operation hands it back APPROVED so it can be retried inside the
// window.
func (s *KeyLifecycleService) ExecuteRequest(ctx context.Context, requestID, executorID string) (domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	if s.Operator == nil {
		return domain.KeyLifecycleRequest{}, errors.New("key operator required")
	}
	req, err := s.approvedForExecution(ctx, requestID, executorID)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	startedAt := s.now()

	var result map[string]any
	switch req.Action {
	case domain.KeyActionRotate:
		previous, err := s.Operator.ActiveKey(ctx)
		if err != nil {
			return domain.KeyLifecycleRequest{}, err
		}
		rotated, err := s.Operator.RotateKeys(ctx, req.ID)
		if err != nil {
			return domain.KeyLifecycleRequest{}, err
		}
		result = map[string]any{"new_key_id": rotated.KeyID, "archived_key_id": previous.KeyID}
	case domain.KeyActionRevoke:
		revoked, err := s.Operator.RevokeKey(ctx, req.ID, req.TargetKeyID, req.Reason)
		if err != nil {
			return domain.KeyLifecycleRequest{}, err
		}
		result = map[string]any{"revoked_key_id": revoked.KeyID, "revoked_at": revoked.RevokedAt}
	default:
		return domain.KeyLifecycleRequest{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, req.Action)
	}
	encoded, err := crypto.Canonicalize(result)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	claimed, err := s.Requests.Get(ctx, req.ID)
	if err != nil {
		return domain.KeyLifecycleRequest{}, err
	}
	return s.markExecuted(ctx, *claimed, domain.RequestStatusExecuting, executorID, string(encoded), startedAt)
}

func (s *KeyLifecycleService) approvedForExecution(ctx context.Context, requestID, executorID string) (*domain.KeyLifecycleRequest, error) {
	if strings.TrimSpace(executorID) == "" {
		return nil, fmt.Errorf("%w: executor_id is required", domain.ErrInvalidArgument)
	}
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestStatusApproved {
		return nil, invalidTransition(req.Status, domain.RequestStatusExecuted)
	}
	now := s.now()
	if req.PastDeadline(now) {
		s.expire(ctx, *req, now)
		return nil, domain.ErrRequestExpired
	}
	return req, nil
}

func (s *KeyLifecycleService) markExecuted(ctx context.Context, req domain.KeyLifecycleRequest, from domain.RequestStatus, executorID, result string, at time.Time) (domain.KeyLifecycleRequest, error) {
	next := req
	next.Status = domain.RequestStatusExecuted
	next.ExecutorID = executorID
	next.ExecutionResult = result
	next.ExecutedAt = &at
	next.UpdatedAt = s.now()
	if err := s.Requests.Update(ctx, next, from); err != nil {
		if from == domain.RequestStatusExecuting {
			s.Logger.Error("key operation ran but request not closed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
		return domain.KeyLifecycleRequest{}, err
	}
	s.Logger.Info("key lifecycle request executed",
		zap.String("request_id", next.ID),
		zap.String("executor_id", executorID))
	s.Events.emitQuiet(ctx, domain.EventKeyRequestExecuted, executorID, map[string]any{
		"request_id": next.ID,
		"action":     string(next.Action),
		"result":     result,
	})
	return next, nil
}

// ExpireTimedOutRequests moves every PENDING or APPROVED request past its
// deadline to EXPIRED. Running it twice is harmless.
func (s *KeyLifecycleService) ExpireTimedOutRequests(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	now := s.now()
	due, err := s.Requests.ListPastDeadline(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range due {
		if s.expire(ctx, req, now) {
			expired++
		}
	}
	return expired, nil
}

// ClaimRequest moves an approved request to EXECUTING on behalf of the key
// operation it authorizes. Only one caller can win the claim; every other
// caller, and any request for a different action or target, gets
// domain.ErrNoMandate.
func (s *KeyLifecycleService) ClaimRequest(ctx context.Context, requestID string, action domain.KeyAction, targetKeyID string) (*domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: request %s not found", domain.ErrNoMandate, requestID)
		}
		return nil, err
	}
	if req.Action != action {
		return nil, fmt.Errorf("%w: request %s authorizes %s", domain.ErrNoMandate, req.ID, req.Action)
	}
	if action == domain.KeyActionRevoke && req.TargetKeyID != targetKeyID {
		return nil, fmt.Errorf("%w: request %s targets another key", domain.ErrNoMandate, req.ID)
	}
	if req.Status != domain.RequestStatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrNoMandate, req.ID, req.Status)
	}
	now := s.now()
	if req.PastDeadline(now) {
		s.expire(ctx, *req, now)
		return nil, domain.ErrRequestExpired
	}
	next := *req
	next.Status = domain.RequestStatusExecuting
	next.UpdatedAt = now
	if err := s.Requests.Update(ctx, next, domain.RequestStatusApproved); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: request %s already claimed", domain.ErrNoMandate, req.ID)
		}
		return nil, err
	}
	return &next, nil
}

// ReleaseRequest returns a claimed request to APPROVED.
func (s *KeyLifecycleService) ReleaseRequest(ctx context.Context, req domain.KeyLifecycleRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	next := req
	next.Status = domain.RequestStatusApproved
	next.UpdatedAt = s.now()
	return s.Requests.Update(ctx, next, domain.RequestStatusExecuting)
}

func (s *KeyLifecycleService) GetRequest(ctx context.Context, requestID string) (*domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if req.Status.Expirable() && req.PastDeadline(now) && s.expire(ctx, *req, now) {
		return s.Requests.Get(ctx, requestID)
	}
	return req, nil
}

func (s *KeyLifecycleService) ListRequests(ctx context.Context, filter domain.KeyRequestFilter) ([]domain.KeyLifecycleRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.Requests.List(ctx, filter)
}

// expire reports whether this call performed the transition.
func (s *KeyLifecycleService) expire(ctx context.Context, req domain.KeyLifecycleRequest, now time.Time) bool {
	if !req.Status.Expirable() {
		return false
	}
	from := req.Status
	next := req
	next.Status = domain.RequestStatusExpired
	next.ExpiredAt = &now
	next.UpdatedAt = now
	if err := s.Requests.Update(ctx, next, from); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			s.Logger.Warn("key lifecycle expiry failed", zap.String("request_id", req.ID), zap.Error(err))
		}
		return false
	}
	s.Logger.Info("key lifecycle request expired",
		zap.String("request_id", req.ID),
		zap.String("from_status", string(from)))
	s.Events.emitQuiet(ctx, domain.EventKeyRequestExpired, SystemActor, map[string]any{
		"request_id":  req.ID,
		"action":      string(req.Action),
		"from_status": string(from),
		"deadline":    req.ExpiresAt,
	})
	return true
}

func (s *KeyLifecycleService) ensureTargetExists(ctx context.Context, keyID string) error {
	if s.Keys == nil {
		return errors.New("signing key repository required")
	}
	if _, err := s.Keys.Get(ctx, keyID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTargetKeyNotFound
		}
		return err
	}
	return nil
}

func (s *KeyLifecycleService) signStatement(ctx context.Context, statement map[string]any) (string, string, error) {
	if s.Signer == nil {
		return "", "", errors.New("statement signer required")
	}
	canonical, err := crypto.Canonicalize(statement)
	if err != nil {
		return "", "", err
	}
	digest := crypto.SHA256Hex(canonical)
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", "", err
	}
	sig, keyID, err := s.Signer.Sign(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(sig), keyID, nil
}

func intentStatement(req domain.KeyLifecycleRequest) map[string]any {
	return map[string]any{
		"request_id":    req.ID,
		"action":        string(req.Action),
		"target_key_id": req.TargetKeyID,
		"reason":        req.Reason,
		"initiator_id":  req.InitiatorID,
		"created_at":    req.CreatedAt,
	}
}

func approvalStatement(req domain.KeyLifecycleRequest) map[string]any {
	return map[string]any{
		"request_id":          req.ID,
		"approver_id":         req.ApproverID,
		"approved_at":         req.ApprovedAt,
		"initiator_signature": req.InitiatorSignature,
	}
}

// StatementDigest recomputes the digest an intent or approval signature covers.
func StatementDigest(req domain.KeyLifecycleRequest, approval bool) (string, error) {
	statement := intentStatement(req)
	if approval {
		statement = approvalStatement(req)
	}
	canonical, err := crypto.Canonicalize(statement)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(canonical), nil
}

func invalidTransition(from, to domain.RequestStatus) error {
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
}

func (s *KeyLifecycleService) ready() error {
	if s == nil || s.Requests == nil {
		return errors.New("key lifecycle service not configured")
	}
	return nil
}

func (s *KeyLifecycleService) approvalTimeout() time.Duration {
	if s.ApprovalTimeout > 0 {
		return s.ApprovalTimeout
	}
	return DefaultApprovalTimeout
}

func (s *KeyLifecycleService) executionWindow() time.Duration {
	if s.ExecutionWindow > 0 {
		return s.ExecutionWindow
	}
	return DefaultExecutionWindow
}

func (s *KeyLifecycleService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *KeyLifecycleService) now() time.Time {
	return nowFrom(s.Clock)
}
