package auth

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hireloop/backend/pkg/response"
	"github.com/hireloop/backend/pkg/utils"
)

// Handler handles admin login.
type Handler struct {
	repo   *Repository
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /auth/login. Issues a JWT for admin review endpoints.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		h.logger.Error("lookup user failed", zap.Error(err))
		response.Internal(c, "login failed")
		return
	}
	if user == nil || !utils.CheckPassword(req.Password, user.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}
	token, err := h.jwt.Generate(user.ID, user.Email, user.Role)
	if err != nil {
		h.logger.Error("generate token failed", zap.Error(err))
		response.Internal(c, "login failed")
		return
	}
	response.OK(c, gin.H{"token": token, "role": user.Role})
}
