package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live-session/pkg/database"
	"github.com/weiawesome/wes-io-live-session/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/middleware"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/pkg/storage"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/archive"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/bridge"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/broadcast"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/client"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/config"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/handler"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/presence"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/registry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "session-service",
	})
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = pkglog.WithLogger(ctx, logger)

	// Connect to database using GORM
	db, err := database.New(&database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		TimeZone:        cfg.Database.TimeZone,
		FilePath:        cfg.Database.FilePath,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	sessionRegistry := registry.NewGormRegistry(db)
	if err := sessionRegistry.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database migration completed")

	// Initialize PubSub
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub connected")

	// Initialize hub and the bus -> hub relay
	wsHub := wshub.NewHub(cfg.WebSocket)
	go wsHub.Run(ctx)

	relay := broadcast.NewRelay(ps, wsHub)
	if err := relay.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start viewer event relay")
	}
	publisher := broadcast.NewPublisher(ps)

	// Presence, media client, bridge
	tracker := presence.NewTracker(sessionRegistry,
		presence.WithMirror(sessionRegistry),
		presence.WithBroadcaster(publisher),
	)
	mediaClient := client.NewMediaClient(cfg.Media.HTTPAddress, cfg.Media.Timeout)
	logger.Info().Str("address", cfg.Media.HTTPAddress).Msg("media service client configured")

	bridgeOpts := []bridge.Option{bridge.WithCallTimeout(cfg.Media.Timeout)}
	var history handler.HistoryStore
	if cfg.Archive.Enabled {
		store, err := storage.New(ctx, cfg.Archive.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize archive storage")
		}
		sessionArchive := archive.New(store)
		bridgeOpts = append(bridgeOpts, bridge.WithArchive(sessionArchive))
		history = sessionArchive
		logger.Info().Str("driver", cfg.Archive.Storage.Driver).Msg("session archive enabled")
	}
	sessionBridge := bridge.New(sessionRegistry, mediaClient, tracker, publisher, bridgeOpts...)

	if err := sessionBridge.ConsumeMediaEvents(ctx, ps); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to media events")
	}
	go sessionBridge.RunSweeper(ctx, cfg.Session.SweepInterval)

	// Initialize auth middleware
	jwtManager, err := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessDuration)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jwt manager")
	}
	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	// Initialize handlers
	httpHandler := handler.NewHandler(sessionBridge, tracker, history, authMiddleware)
	wsHandler := handler.NewWSHandler(wsHub, tracker, authMiddleware)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", gin.WrapF(wsHandler.HandleWebSocket))

	// Register routes
	httpHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("session-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down session-service")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()
	sessionBridge.Wait()

	logger.Info().Msg("session-service stopped")
}
