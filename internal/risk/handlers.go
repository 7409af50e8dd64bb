package risk

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the scorer over HTTP for trusted internal callers.
type Handlers struct {
	scorer *Scorer
}

// NewHandlers creates handlers for the assessment endpoint.
func NewHandlers(scorer *Scorer) *Handlers {
	return &Handlers{scorer: scorer}
}

// Assess handles POST /v1/risk/assess.
func (h *Handlers) Assess(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}

	assessment := h.scorer.Assess(c.Request.Context(), req)
	c.JSON(http.StatusOK, assessment)
}
