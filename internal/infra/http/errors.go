package http

import (
	"errors"
	"net/http"

	"evidenceledger/internal/domain"

	"github.com/gin-gonic/gin"
)

var errPayloadNotObject = errors.New("payload must be a JSON object")

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps error kinds to a status and a machine-readable code. The
// specific cases come before the kinds they wrap.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	var details map[string]any

	var rejected *domain.PayloadRejectedError
	var violation *domain.ChainViolation
	var chainErr *domain.ChainError
	switch {
	case errors.As(err, &rejected):
		status, code = http.StatusUnprocessableEntity, "PAYLOAD_REJECTED"
		details = map[string]any{"deny": rejected.Deny}
	case errors.As(err, &violation):
		status, code = http.StatusConflict, "CHAIN_INTEGRITY"
		details = map[string]any{"violation": violation}
	case errors.As(err, &chainErr):
		status, code = http.StatusBadGateway, "EXTERNAL_CHAIN"
		details = map[string]any{"error_code": chainErr.Code}
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrKeyNotFound):
		status, code = http.StatusNotFound, "KEY_NOT_FOUND"
	case errors.Is(err, domain.ErrNoMandate):
		status, code = http.StatusForbidden, "NO_MANDATE"
	case errors.Is(err, domain.ErrRevokeActiveKey):
		status, code = http.StatusConflict, "REVOKE_ACTIVE_KEY"
	case errors.Is(err, domain.ErrNoActiveKey):
		status, code = http.StatusServiceUnavailable, "NO_ACTIVE_KEY"
	case errors.Is(err, domain.ErrSigningKey):
		status, code = http.StatusConflict, "SIGNING_KEY"
	case errors.Is(err, domain.ErrSelfApproval):
		status, code = http.StatusForbidden, "SELF_APPROVAL"
	case errors.Is(err, domain.ErrRequestExpired):
		status, code = http.StatusConflict, "REQUEST_EXPIRED"
	case errors.Is(err, domain.ErrTargetKeyRequired):
		status, code = http.StatusBadRequest, "TARGET_KEY_REQUIRED"
	case errors.Is(err, domain.ErrTargetKeyNotFound):
		status, code = http.StatusUnprocessableEntity, "TARGET_KEY_NOT_FOUND"
	case errors.Is(err, domain.ErrBreakGlassActive):
		status, code = http.StatusConflict, "BREAK_GLASS_ACTIVE"
	case errors.Is(err, domain.ErrWorkflowState):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrChainIntegrity):
		status, code = http.StatusConflict, "CHAIN_INTEGRITY"
	case errors.Is(err, domain.ErrExternalChain):
		status, code = http.StatusBadGateway, "EXTERNAL_CHAIN"
	case errors.Is(err, domain.ErrAppendConflict):
		status, code = http.StatusConflict, "APPEND_CONFLICT"
	case errors.Is(err, domain.ErrStorageUnavailable):
		status, code = http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "internal error"
	}
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
