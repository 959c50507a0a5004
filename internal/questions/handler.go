package questions

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hireloop/backend/pkg/response"
)

// Handler exposes question generation to the candidate recording page.
type Handler struct {
	provider Provider
	logger   *zap.Logger
}

// NewHandler creates a questions handler. provider may be nil when no
// endpoint is configured.
func NewHandler(provider Provider, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{provider: provider, logger: logger}
}

// Generate handles POST /api/questions/generate.
func (h *Handler) Generate(c *gin.Context) {
	if h.provider == nil {
		response.Internal(c, "question provider not configured")
		return
	}
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	qs, err := h.provider.Generate(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("question generation failed", zap.Error(err), zap.String("stack", req.Stack))
		response.Internal(c, "failed to generate questions")
		return
	}
	response.OK(c, gin.H{"questions": qs})
}
