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

	"github.com/gorilla/mux"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/config"
	"github.com/weiawesome/wes-io-live-session/media-service/internal/events"
	"github.com/weiawesome/wes-io-live-session/media-service/internal/handler"
	"github.com/weiawesome/wes-io-live-session/media-service/internal/room"
	pkglog "github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
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
		ServiceName: "media-service",
	})
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PubSub
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub connected")

	// Get ICE servers
	iceServers, err := cfg.WebRTC.GetICEServers()
	if err != nil {
		logger.Warn().Err(err).Msg("continuing with static ICE servers only")
	}
	logger.Info().Int("count", len(iceServers)).Msg("ICE servers configured")

	// Initialize room manager
	rooms, err := room.NewManager(room.RouterConfig{
		ICEServers: iceServers,
		PortMin:    cfg.WebRTC.PortMin,
		PortMax:    cfg.WebRTC.PortMax,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize room manager")
	}

	wsHub := wshub.NewHub(cfg.WebSocket)
	go wsHub.Run(ctx)

	// Initialize handlers
	wsHandler := handler.NewWSHandler(wsHub, rooms, cfg.WebRTC.ConnectTimeout)
	httpHandler := handler.NewHTTPHandler(rooms)

	rooms.AddObserver(wsHandler)
	rooms.AddObserver(events.NewPublisher(ps, cfg.Events.PublishTimeout))

	// Setup routes
	router := mux.NewRouter()
	router.HandleFunc("/ws", wsHandler.HandleWebSocket)
	httpHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     pkglog.HTTPMiddleware(logger)(router),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("media-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down media-service")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	rooms.Close()
	cancel()

	logger.Info().Msg("media-service stopped")
}
