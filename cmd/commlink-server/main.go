package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"commlink/internal/admin"
	"commlink/internal/auth"
	"commlink/internal/config"
	"commlink/internal/server"
	"commlink/internal/session"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup structured logging
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions, err := session.Open(ctx, cfg.SessionConfig())
	if err != nil {
		logger.Error("session_store_failed", "kind", cfg.SessionStore, "error", err.Error())
		os.Exit(1)
	}
	defer sessions.Close()

	opts := cfg.ServerOptions(logger)
	opts.Sessions = sessions

	var tokens *auth.TokenService
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)
	}

	if cfg.UseCredentials {
		verifier, err := credentialVerifier(cfg, tokens, logger)
		if err != nil {
			logger.Error("credential_source_failed", "source", cfg.CredentialSource, "error", err.Error())
			os.Exit(1)
		}
		opts.CredentialVerifier = verifier
	}

	srv, err := server.New(opts)
	if err != nil {
		logger.Error("server_config_invalid", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("starting_commlink_server",
		"tcp_addr", opts.Addr(),
		"use_magic", cfg.UseMagic,
		"use_credentials", cfg.UseCredentials,
		"credential_source", cfg.CredentialSource,
		"session_store", cfg.SessionStore,
	)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server_start_failed", "error", err.Error())
		os.Exit(1)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)

	var adminServer *http.Server
	if cfg.AdminPort > 0 {
		if !cfg.IsDevelopment() {
			gin.SetMode(gin.ReleaseMode)
		}
		var validator admin.TokenValidator
		if tokens != nil {
			validator = tokens
		}
		adminServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.TCPHost, strconv.Itoa(cfg.AdminPort)),
			Handler:           admin.NewRouter(admin.NewHandler(srv, logger), validator),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("starting_admin_api", "addr", adminServer.Addr, "auth", validator != nil)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("admin api: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("received_shutdown_signal")
	case err := <-errChan:
		logger.Error("server_error", "error", err.Error())
		exitCode = 1
	}

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin_shutdown_failed", "error", err.Error())
		}
		shutdownCancel()
	}

	srv.Stop()
	logger.Info("server_stopped_gracefully")
	if exitCode != 0 {
		sessions.Close()
		os.Exit(exitCode)
	}
}

// credentialVerifier picks the verifier named by CREDENTIAL_SOURCE.
func credentialVerifier(cfg *config.Config, tokens *auth.TokenService, logger *slog.Logger) (auth.CredentialVerifier, error) {
	switch cfg.CredentialSource {
	case config.CredentialsHashed:
		return auth.NewHashed(map[string]string{cfg.ExpectedUsername: cfg.ExpectedPassword}), nil
	case config.CredentialsToken:
		if tokens == nil {
			return nil, errors.New("JWT_SECRET is not set")
		}
		return tokens, nil
	case config.CredentialsDatabase:
		db, err := auth.OpenUserDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return auth.NewRepositoryVerifier(auth.NewUserRepository(db), logger), nil
	default:
		return auth.Static{Username: cfg.ExpectedUsername, Password: cfg.ExpectedPassword}, nil
	}
}
