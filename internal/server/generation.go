package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

type createGenerationRequest struct {
	OwnerID        string         `json:"owner_id"`
	Kind           string         `json:"kind"`
	TargetEntityID string         `json:"target_entity_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func (s *Server) CreateGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ownerID, err := snowflake.ParseString(strings.TrimSpace(req.OwnerID))
	if err != nil {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "invalid owner id"))
		return
	}

	var targetID snowflake.ID
	if raw := strings.TrimSpace(req.TargetEntityID); raw != "" {
		targetID, err = snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("target_entity_id", "invalid_target_entity_id", "invalid target entity id"))
			return
		}
	}

	if s.limiter.Enabled() {
		result, err := s.limiter.AllowOwner(c.Request.Context(), ownerID)
		if err != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}
	}

	snapshot, err := s.sessionSvc.Admit(c.Request.Context(), sessiondomain.AdmitRequest{
		OwnerID:        ownerID,
		Kind:           sessiondomain.SessionKind(strings.TrimSpace(req.Kind)),
		TargetEntityID: targetID,
		Payload:        req.Payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("session_id", snapshot.ID.String())
	obsmetrics.Sessions().IncSessionAdmitted(string(snapshot.Kind), "api")
	s.obsMetrics.RecordSessionAdmitted(c.Request.Context(), string(snapshot.Kind))

	c.JSON(http.StatusCreated, gin.H{"data": snapshot})
}

func (s *Server) GetGeneration(c *gin.Context) {
	sessionID, err := parseSessionID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.sessionSvc.Get(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("session_id", snapshot.ID.String())
	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) CancelGeneration(c *gin.Context) {
	sessionID, err := parseSessionID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessionSvc.Cancel(c.Request.Context(), sessionID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("session_id", sessionID.String())
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"id": sessionID.String(), "cancel_requested": true}})
}

func parseSessionID(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		return 0, invalidRequestError()
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError("id", "invalid_session_id", "invalid session id")
	}
	return id, nil
}
