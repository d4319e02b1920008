package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/handlers"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var presence handlers.Presence = handlers.NewMemoryPresence()
	if cfg.Redis.Enabled {
		ctx := context.Background()
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()

		p := redis.NewPresence(client)
		if err := p.Clear(ctx); err != nil {
			log.Printf("Failed to clear stale presence: %v", err)
		}
		presence = p
		log.Println("Redis connection established")
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.NewPrometheusCollector()
	hub := handlers.NewHub(handlers.HubConfig{
		JWTSecret:             cfg.JWTSecret,
		RequireControllerAuth: cfg.RequireControllerAuth,
		Presence:              presence,
		Metrics:               m,
	})
	router := handlers.NewRouter(cfg, hub, presence, m)

	// Start server
	log.Printf("Starting ensemble relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
