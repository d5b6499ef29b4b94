package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/zkontrol/zkontrol-secure-communications/internal/ai"
	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/metrics"
	"github.com/zkontrol/zkontrol-secure-communications/internal/service"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg     config.Config
	authSvc *service.AuthService
	assist  *ai.Client
}

func NewHandler(cfg config.Config, authSvc *service.AuthService, assist *ai.Client) *Handler {
	return &Handler{cfg: cfg, authSvc: authSvc, assist: assist}
}

// IssueNonce 处理挑战签发请求。
func (h *Handler) IssueNonce(c *gin.Context) {
	var req struct {
		IdentityKey string `json:"identityKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IdentityKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	challenge, err := h.authSvc.IssueChallenge(req.IdentityKey)
	if err != nil {
		if errors.Is(err, service.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity key"})
			return
		}
		log.Error().Err(err).Msg("issue challenge")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": challenge.Message, "nonce": challenge.Nonce})
}

// Verify 处理签名校验请求，成功后签发会话 cookie。
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		IdentityKey string `json:"identityKey"`
		Signature   string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IdentityKey == "" || req.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, token, err := h.authSvc.VerifyResponse(req.IdentityKey, req.Signature)
	if err != nil {
		metrics.AuthVerifyTotal.WithLabelValues("failure").Inc()
		switch {
		case errors.Is(err, service.ErrInvalidIdentity):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity key"})
		case errors.Is(err, service.ErrChallengeNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "challenge not found"})
		case errors.Is(err, service.ErrChallengeExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "challenge expired"})
		case errors.Is(err, service.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		default:
			log.Error().Err(err).Msg("verify response")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		}
		return
	}
	metrics.AuthVerifyTotal.WithLabelValues("success").Inc()
	maxAge := h.cfg.SessionTTLHours * 3600
	c.SetCookie(auth.SessionCookie, token, maxAge, "/", "", h.cfg.Env != "dev", true)
	c.JSON(http.StatusOK, gin.H{"user": service.ToUserDTO(user), "token": token})
}

// AIChat 把已登录用户的消息透传给外部补全 API。
func (h *Handler) AIChat(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	reply, err := h.assist.Complete(c.Request.Context(), req.Message)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("assistant upstream")
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}
