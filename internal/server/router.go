package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zkontrol/zkontrol-secure-communications/internal/ai"
	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/metrics"
	"github.com/zkontrol/zkontrol-secure-communications/internal/mw"
	"github.com/zkontrol/zkontrol-secure-communications/internal/service"
	"github.com/zkontrol/zkontrol-secure-communications/internal/ws"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、认证 API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub, deps ws.Deps, authSvc *service.AuthService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，挑战签发接口是暴力尝试的首要目标。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(cfg, authSvc, ai.New(cfg.AIEndpoint, cfg.AIAPIKey, cfg.AIModel))

	api := r.Group("/api")
	api.POST("/auth/nonce", h.IssueNonce)
	api.POST("/auth/verify", h.Verify)

	// 需要会话的业务接口。
	authed := api.Group("")
	authed.Use(auth.Middleware(cfg, gdb))
	authed.POST("/ai/chat", h.AIChat)

	r.GET("/ws", ws.Serve(hub, deps))

	return r
}
