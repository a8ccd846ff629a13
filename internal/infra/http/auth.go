package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const actorHeader = "X-Actor-ID"

// requireAdmin guards every state-changing workflow route. An empty configured
// key disables those routes rather than opening them.
func (s *Server) requireAdmin(c *gin.Context) bool {
	if s.adminAPIKey == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return false
	}
	key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}

func (s *Server) requireActor(c *gin.Context) (string, bool) {
	actor := actorID(c)
	if actor == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", actorHeader+" header required")
		return "", false
	}
	return actor, true
}

// requireAdminActor is the common guard of workflow transitions: the admin key
// authenticates the caller and X-Actor-ID names the person acting.
func (s *Server) requireAdminActor(c *gin.Context) (string, bool) {
	if !s.requireAdmin(c) {
		return "", false
	}
	return s.requireActor(c)
}

func actorID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(actorHeader))
}
