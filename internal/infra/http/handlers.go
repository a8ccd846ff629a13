package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"
	"evidenceledger/internal/usecase"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

type appendRequest struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	ArtifactSHA256 string          `json:"artifact_sha256,omitempty"`
	ArtifactRef    string          `json:"artifact_ref,omitempty"`
}

type appendResponse struct {
	Event           *eventResponse `json:"event,omitempty"`
	DeadLettered    bool           `json:"dead_lettered"`
	DeadLetterError string         `json:"dead_letter_error,omitempty"`
}

type eventResponse struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PrevHash       string          `json:"prev_hash"`
	BlockHash      string          `json:"block_hash"`
	CreatedAt      string          `json:"created_at"`
	ActorID        string          `json:"actor_id,omitempty"`
	ArtifactSHA256 string          `json:"artifact_sha256,omitempty"`
	ArtifactRef    string          `json:"artifact_ref,omitempty"`
	PayloadSHA256  string          `json:"payload_sha256"`
	Signature      string          `json:"signature"`
	KeyID          string          `json:"key_id"`
	AnchorID       *int64          `json:"anchor_id,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "mode": s.mode, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.mode})
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

// handleAppendEvent is the best-effort append unless ?strict=true: a storage
// failure is dead-lettered and reported with 202.
func (s *Server) handleAppendEvent(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req appendRequest
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	payload, err := decodePayloadObject(req.Payload)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if s.validator != nil {
		if err := s.validator.Validate(c.Request.Context(), eventType, payload); err != nil {
			writeError(c, err)
			return
		}
	}
	strict, _ := strconv.ParseBool(c.Query("strict"))
	res, err := s.ledger.Append(c.Request.Context(), usecase.AppendInput{
		EventType:      eventType,
		Payload:        payload,
		ActorID:        actorID(c),
		ArtifactSHA256: req.ArtifactSHA256,
		ArtifactRef:    req.ArtifactRef,
		Strict:         strict,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.DeadLettered {
		c.JSON(http.StatusAccepted, appendResponse{DeadLettered: true, DeadLetterError: res.DeadLetterError})
		return
	}
	event := buildEventResponse(*res.Event)
	c.JSON(http.StatusCreated, appendResponse{Event: &event})
}

func (s *Server) handleListEvents(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	afterID, ok := queryInt64(c, "after_id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events, err := s.ledger.List(c.Request.Context(), domain.LedgerQuery{AfterID: afterID, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, buildEventResponse(event))
	}
	resp := gin.H{"events": out}
	if len(events) == limit {
		resp["next_after_id"] = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetEvent(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	event, err := s.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildEventResponse(*event))
}

// handleVerifyChain reports the live chain status. A broken chain is a
// successful check with ok=false, not a request error.
func (s *Server) handleVerifyChain(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	res, err := s.ledger.VerifyStored(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleVerificationBundle(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.verifier == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	skipSignatures, _ := strconv.ParseBool(c.Query("skip_signatures"))
	skipAnchors, _ := strconv.ParseBool(c.Query("skip_anchors"))
	bundle, err := s.verifier.Build(c.Request.Context(), usecase.VerifyOptions{
		SkipSignatures: skipSignatures,
		SkipAnchors:    skipAnchors,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	body, err := crypto.Canonicalize(bundle)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// decodePayloadObject keeps numbers as json.Number so canonicalization sees
// the submitted digits.
func decodePayloadObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' {
		return nil, errPayloadNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func buildEventResponse(e domain.LedgerEvent) eventResponse {
	return eventResponse{
		ID:             e.ID,
		EventType:      e.EventType,
		Payload:        json.RawMessage(e.Payload),
		PrevHash:       e.PrevHash,
		BlockHash:      e.BlockHash,
		CreatedAt:      crypto.FormatTimestamp(e.CreatedAt),
		ActorID:        e.ActorID,
		ArtifactSHA256: e.ArtifactSHA256,
		ArtifactRef:    e.ArtifactRef,
		PayloadSHA256:  e.PayloadSHA256,
		Signature:      e.Signature,
		KeyID:          e.KeyID,
		AnchorID:       e.AnchorID,
	}
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return false
	}
	return true
}
