package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zk_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zk_ws_messages_total",
		Help: "Total number of chat messages sent",
	})
	ReactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zk_reactions_total",
		Help: "Total number of reactions added",
	})
	MessagesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zk_messages_swept_total",
		Help: "Total number of expired messages deleted by the sweeper",
	})
	AuthVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zk_auth_verify_total",
		Help: "Total number of challenge verification attempts by result",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		WsMessagesTotal,
		ReactionsTotal,
		MessagesSweptTotal,
		AuthVerifyTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
