package api

import (
	"context"
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/metrics"
)

// NewRouter wires every route onto a gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Log))

	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1", scope(h.Cookies))
	{
		v1.GET("/session", h.GetSession)
		v1.POST("/session/rotate", h.RotateSession)
		v1.DELETE("/session", h.ClearSession)

		v1.GET("/colleges", h.Colleges)
		v1.GET("/exams", h.Exams)
		v1.GET("/community", h.Community)
	}

	if h.AdminToken != "" {
		internal := r.Group("/internal", adminAuth(h.AdminToken))
		internal.DELETE("/cache", h.InvalidateAll)
		internal.DELETE("/cache/:key", h.InvalidateKey)
	}

	r.GET("/ws/chat", scope(h.Cookies), h.Chat)
	return r
}

// Liveness reports the process is serving.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"cache_entries": h.Cache.Len(),
		"uptime":        time.Since(h.started).Round(time.Second).String(),
	})
}

// Readiness runs every dependency check and fails if any does.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// adminAuth admits requests carrying "Authorization: Bearer <token>".
func adminAuth(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request completed")
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
