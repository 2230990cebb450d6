package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type topupRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) GetCreditAccount(c *gin.Context) {
	ownerID, err := parseOwnerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) TopupCredits(c *gin.Context) {
	ownerID, err := parseOwnerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	account, err := s.ledgerSvc.Topup(c.Request.Context(), ownerID, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func parseOwnerID(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("owner_id"))
	if raw == "" {
		return 0, invalidRequestError()
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError("owner_id", "invalid_owner_id", "invalid owner id")
	}
	return id, nil
}
