package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/meetmind/server/adapters/stt"
	"github.com/meetmind/server/domain/repositories"
	"github.com/meetmind/server/internal/api"
	"github.com/meetmind/server/internal/auth"
	"github.com/meetmind/server/internal/config"
	"github.com/meetmind/server/internal/websocket"
)

func main() {
	mintToken := flag.String("mint-token", "", "print a stream token for this client id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to create token issuer", zap.Error(err))
	}

	if *mintToken != "" {
		token, expiresAt, err := issuer.GenerateStreamToken(*mintToken)
		if err != nil {
			logger.Fatal("Failed to mint token", zap.Error(err))
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
		return
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize recognizer
	var speechToText repositories.SpeechToText
	switch cfg.ASR.Backend {
	case config.BackendGoogle:
		var opts []option.ClientOption
		if cfg.ASR.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.ASR.CredentialsFile))
		}
		speechToText = stt.NewGoogleSpeechToText(logger, opts...)
	default:
		speechToText = stt.NewMockSpeechToText(logger)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize WebSocket hub
	hub := websocket.NewHub(speechToText, repositories.AudioConfig{
		Model:      cfg.ASR.Model,
		SampleRate: cfg.ASR.SampleRate,
		Encoding:   cfg.ASR.Format,
		Languages:  cfg.ASR.Languages,
	}, logger)
	go hub.Run(ctx)

	reaper := websocket.NewIdleReaper(hub, cfg.Gateway.IdleTimeout, logger)
	reaper.Start()

	// Initialize API routes
	api.InitRoutes(e, hub, issuer, cfg.Auth.APIKey, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("ASR gateway started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.ASR.Backend))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	reaper.Stop()
	// tell open streams the server is going away before the listener closes
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
