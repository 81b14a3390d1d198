package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/swarmsync/internal/auth"
	"github.com/danmuck/swarmsync/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler builds the relay's operator HTTP surface.
func (s *Service) AdminHandler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminObserver(observability.HTTPLogger("relay"), "relay"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "relay",
			"clients": s.clientCount.Load(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := r.Group("/", s.requireToken())
	guarded.GET("/namespaces", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"namespaces": s.Namespaces()})
	})
	return r
}

// requireToken guards a route with the configured admin bearer token. With no
// token configured the route is open.
func (s *Service) requireToken() gin.HandlerFunc {
	token := strings.TrimSpace(s.cfg.AdminToken)
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	var validator auth.Validator = auth.StaticToken{Token: token}
	return func(c *gin.Context) {
		got, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || validator.Validate(got) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
