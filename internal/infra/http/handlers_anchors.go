package http

import (
	"net/http"
	"time"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/crypto"

	"github.com/gin-gonic/gin"
)

type createAnchorRequest struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type anchorResponse struct {
	ID              int64  `json:"id"`
	PeriodStart     string `json:"period_start"`
	PeriodEnd       string `json:"period_end"`
	MerkleRoot      string `json:"merkle_root,omitempty"`
	Status          string `json:"status"`
	EventsCount     int    `json:"events_count"`
	ChainID         string `json:"chain_id,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	AnchorKey       string `json:"anchor_key,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	BlockNumber     *int64 `json:"block_number,omitempty"`
	LogIndex        *int64 `json:"log_index,omitempty"`
	PublishedAt     string `json:"published_at,omitempty"`
	AnchoredAt      string `json:"anchored_at,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

func (s *Server) handleCreateAnchor(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req createAnchorRequest
	if !bindJSON(c, &req) {
		return
	}
	start, err := time.Parse(time.RFC3339Nano, req.PeriodStart)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "period_start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339Nano, req.PeriodEnd)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "period_end must be RFC3339")
		return
	}
	anchor, err := s.anchors.CreateAnchor(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildAnchorResponse(anchor))
}

func (s *Server) handleListAnchors(c *gin.Context) {
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	anchors, err := s.anchors.List(c.Request.Context(), domain.AnchorStatus(c.Query("status")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]anchorResponse, 0, len(anchors))
	for _, anchor := range anchors {
		out = append(out, buildAnchorResponse(anchor))
	}
	c.JSON(http.StatusOK, gin.H{"anchors": out})
}

func (s *Server) handleGetAnchor(c *gin.Context) {
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	anchor, err := s.anchors.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildAnchorResponse(*anchor))
}

// Publish and confirm report "nothing to do" as ok=false with a reason; only
// persistence and configuration failures become error responses.
func (s *Server) handlePublishAnchor(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	outcome, err := s.anchors.PublishAnchor(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleConfirmAnchor(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	outcome, err := s.anchors.ConfirmAnchor(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleAnchorProof(c *gin.Context) {
	if s.anchors == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	anchorID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	eventID, ok := pathInt64(c, "event_id")
	if !ok {
		return
	}
	proof, err := s.anchors.Proof(c.Request.Context(), anchorID, eventID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func buildAnchorResponse(a domain.Anchor) anchorResponse {
	resp := anchorResponse{
		ID:              a.ID,
		PeriodStart:     crypto.FormatTimestamp(a.PeriodStart),
		PeriodEnd:       crypto.FormatTimestamp(a.PeriodEnd),
		Status:          string(a.Status),
		EventsCount:     a.EventsCount,
		ChainID:         a.ChainID,
		ContractAddress: a.ContractAddress,
		AnchorKey:       a.AnchorKey,
		TxHash:          a.TxHash,
		BlockNumber:     a.BlockNumber,
		LogIndex:        a.LogIndex,
		FailureReason:   a.FailureReason,
	}
	if a.MerkleRoot != nil {
		resp.MerkleRoot = *a.MerkleRoot
	}
	resp.PublishedAt = formatOptional(a.PublishedAt)
	resp.AnchoredAt = formatOptional(a.AnchoredAt)
	return resp
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return crypto.FormatTimestamp(*t)
}
