package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mneumonicore/internal/auth"
	"mneumonicore/internal/cache"
	"mneumonicore/internal/config"
	"mneumonicore/internal/database"
	"mneumonicore/internal/handlers"
	"mneumonicore/internal/services"
	"mneumonicore/internal/websocket"
	"mneumonicore/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx := context.Background()

	// Initialize database
	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to apply schema: %v", err)
	}

	// Document ownership cache is optional
	var docCache cache.Cache
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, document lookups go straight to Postgres: %v", err)
		} else {
			defer rc.Close()
			docCache = rc
		}
	}

	// Initialize services
	authService := auth.NewService(db, cfg.JWT)
	documentService := services.NewDocumentService(db, docCache, cfg.Cache.DocumentTTL)

	// Room coordinator owns every live collaboration room
	coordinator := websocket.NewCoordinator()
	defer coordinator.Close()

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, documentService, coordinator, db, cfg.WebSocket)
	presenceHandlers := handlers.NewPresenceHandlers(authService, documentService, coordinator)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handlers.NewRouter(authHandlers, wsHandlers, presenceHandlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /login")
	logger.Info("   POST /register")
	logger.Info("   GET  /ws?token=&userId=&workspaceId=&documentId=")
	logger.Info("   GET  /documents/{documentId}/presence?workspaceId=")
	logger.Info("   GET  /healthz")
}
