package http

import (
	"encoding/hex"
	"net/http"
	"strings"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"
	"evidenceledger/internal/usecase"

	"github.com/gin-gonic/gin"
)

type keyResponse struct {
	KeyID            string `json:"key_id"`
	Alg              string `json:"alg"`
	PublicKey        string `json:"public_key"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	ArchivedAt       string `json:"archived_at,omitempty"`
	RevokedAt        string `json:"revoked_at,omitempty"`
	RevocationReason string `json:"revocation_reason,omitempty"`
}

type verifySignatureRequest struct {
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id,omitempty"`
}

type keyRequestCreate struct {
	Action      string `json:"action"`
	TargetKeyID string `json:"target_key_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type keyRequestReject struct {
	Reason string `json:"reason,omitempty"`
}

type keyRequestResponse struct {
	ID                 string `json:"id"`
	Action             string `json:"action"`
	TargetKeyID        string `json:"target_key_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Status             string `json:"status"`
	InitiatorID        string `json:"initiator_id"`
	InitiatorSignature string `json:"initiator_signature"`
	InitiatorKeyID     string `json:"initiator_key_id"`
	ApproverID         string `json:"approver_id,omitempty"`
	ApproverSignature  string `json:"approver_signature,omitempty"`
	ApproverKeyID      string `json:"approver_key_id,omitempty"`
	RejectorID         string `json:"rejector_id,omitempty"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
	ExecutorID         string `json:"executor_id,omitempty"`
	ExecutionResult    string `json:"execution_result,omitempty"`
	CreatedAt          string `json:"created_at"`
	ApprovedAt         string `json:"approved_at,omitempty"`
	RejectedAt         string `json:"rejected_at,omitempty"`
	ExecutedAt         string `json:"executed_at,omitempty"`
	ExpiredAt          string `json:"expired_at,omitempty"`
	ExpiresAt          string `json:"expires_at"`
}

type breakGlassRequest struct {
	Reason string `json:"reason"`
}

type breakGlassResponse struct {
	ID          string `json:"id"`
	ActivatedBy string `json:"activated_by"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	ActivatedAt string `json:"activated_at"`
	ExpiresAt   string `json:"expires_at"`
	ClosedAt    string `json:"closed_at,omitempty"`
	ClosedBy    string `json:"closed_by,omitempty"`
}

func (s *Server) handleListKeys(c *gin.Context) {
	if s.signer == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	keys, err := s.signer.ListKeys(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, buildKeyResponse(key))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

func (s *Server) handleVerifySignature(c *gin.Context) {
	if s.signer == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req verifySignatureRequest
	if !bindJSON(c, &req) {
		return
	}
	digest, err := hex.DecodeString(strings.TrimSpace(req.Digest))
	if err != nil || len(digest) == 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "digest must be hex")
		return
	}
	sig, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "signature must be hex")
		return
	}
	valid, err := s.signer.Verify(c.Request.Context(), digest, sig, strings.TrimSpace(req.KeyID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (s *Server) handleCreateKeyRequest(c *gin.Context) {
	actor, ok := s.requireAdminActor(c)
	if !ok {
		return
	}
	if s.keyRequests == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req keyRequestCreate
	if !bindJSON(c, &req) {
		return
	}
	created, err := s.keyRequests.CreateRequest(c.Request.Context(), usecase.CreateKeyRequestInput{
		Action:      domain.KeyAction(strings.ToUpper(strings.TrimSpace(req.Action))),
		TargetKeyID: strings.TrimSpace(req.TargetKeyID),
		Reason:      req.Reason,
		InitiatorID: actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildKeyRequestResponse(created))
}

func (s *Server) handleListKeyRequests(c *gin.Context) {
	if s.keyRequests == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	requests, err := s.keyRequests.ListRequests(c.Request.Context(), domain.KeyRequestFilter{
		Status:      domain.RequestStatus(strings.ToUpper(c.Query("status"))),
		InitiatorID: c.Query("initiator_id"),
		Limit:       limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]keyRequestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, buildKeyRequestResponse(req))
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (s *Server) handleGetKeyRequest(c *gin.Context) {
	if s.keyRequests == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	req, err := s.keyRequests.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildKeyRequestResponse(*req))
}

func (s *Server) handleKeyRequestAction(c *gin.Context) {
	actor, ok := s.requireAdminActor(c)
	if !ok {
		return
	}
	if s.keyRequests == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id := c.Param("id")
	var (
		out domain.KeyLifecycleRequest
		err error
	)
	switch c.Param("action") {
	case "approve":
		out, err = s.keyRequests.ApproveRequest(c.Request.Context(), id, actor)
	case "reject":
		var req keyRequestReject
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		out, err = s.keyRequests.RejectRequest(c.Request.Context(), id, actor, req.Reason)
	case "execute":
		out, err = s.keyRequests.ExecuteRequest(c.Request.Context(), id, actor)
	default:
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildKeyRequestResponse(out))
}

func (s *Server) handleActivateBreakGlass(c *gin.Context) {
	actor, ok := s.requireAdminActor(c)
	if !ok {
		return
	}
	if s.breakGlass == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req breakGlassRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := s.breakGlass.Activate(c.Request.Context(), actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildBreakGlassResponse(session))
}

// handleListBreakGlass returns the open session (after lazy expiry) and the
// session history, newest first.
func (s *Server) handleListBreakGlass(c *gin.Context) {
	if s.breakGlass == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	resp := gin.H{"current": nil}
	current, err := s.breakGlass.Current(c.Request.Context())
	switch {
	case err == nil:
		resp["current"] = buildBreakGlassResponse(*current)
	case !isNotFound(err):
		writeError(c, err)
		return
	}
	sessions, err := s.breakGlass.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]breakGlassResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, buildBreakGlassResponse(session))
	}
	resp["sessions"] = out
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCloseBreakGlass(c *gin.Context) {
	actor, ok := s.requireAdminActor(c)
	if !ok {
		return
	}
	if s.breakGlass == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	session, err := s.breakGlass.Close(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildBreakGlassResponse(session))
}

func buildKeyResponse(key domain.SigningKey) keyResponse {
	return keyResponse{
		KeyID:            key.KeyID,
		Alg:              key.Alg,
		PublicKey:        hex.EncodeToString(key.PublicKey),
		Status:           string(key.Status),
		CreatedAt:        crypto.FormatTimestamp(key.CreatedAt),
		ArchivedAt:       formatOptional(key.ArchivedAt),
		RevokedAt:        formatOptional(key.RevokedAt),
		RevocationReason: key.RevocationReason,
	}
}

func buildKeyRequestResponse(r domain.KeyLifecycleRequest) keyRequestResponse {
	return keyRequestResponse{
		ID:                 r.ID,
		Action:             string(r.Action),
		TargetKeyID:        r.TargetKeyID,
		Reason:             r.Reason,
		Status:             string(r.Status),
		InitiatorID:        r.InitiatorID,
		InitiatorSignature: r.InitiatorSignature,
		InitiatorKeyID:     r.InitiatorKeyID,
		ApproverID:         r.ApproverID,
		ApproverSignature:  r.ApproverSignature,
		ApproverKeyID:      r.ApproverKeyID,
		RejectorID:         r.RejectorID,
		RejectionReason:    r.RejectionReason,
		ExecutorID:         r.ExecutorID,
		ExecutionResult:    r.ExecutionResult,
		CreatedAt:          crypto.FormatTimestamp(r.CreatedAt),
		ApprovedAt:         formatOptional(r.ApprovedAt),
		RejectedAt:         formatOptional(r.RejectedAt),
		ExecutedAt:         formatOptional(r.ExecutedAt),
		ExpiredAt:          formatOptional(r.ExpiredAt),
		ExpiresAt:          crypto.FormatTimestamp(r.ExpiresAt),
	}
}

func buildBreakGlassResponse(s domain.BreakGlassSession) breakGlassResponse {
	return breakGlassResponse{
		ID:          s.ID,
		ActivatedBy: s.ActivatedBy,
		Reason:      s.Reason,
		Status:      string(s.Status),
		ActivatedAt: crypto.FormatTimestamp(s.ActivatedAt),
		ExpiresAt:   crypto.FormatTimestamp(s.ExpiresAt),
		ClosedAt:    formatOptional(s.ClosedAt),
		ClosedBy:    s.ClosedBy,
	}
}
