package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/middleware"
)

// NewRouter builds the relay's HTTP routes around hub
func NewRouter(cfg *config.Config, hub *Hub, presence Presence, m metrics.Collector) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", hub.Health)
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Presence (requires JWT)
		apiGroup.GET("/peers", middleware.JWTAuth(cfg.JWTSecret), ListPeers(presence))
	}

	// WebSocket signaling endpoint
	router.GET("/ws/signal", hub.HandleSignaling)
	return router
}
