package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/parlorapp/parlor/internal/auth"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/relay"
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg.LogFormat, cfg.LogLevel)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("auth_mode", string(cfg.AuthMode)).
		Int("max_messages_per_second", cfg.MaxMessagesPerSecond).
		Int64("max_message_bytes", cfg.MaxMessageBytes).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting parlor-relay")

	if cfg.AuthMode == auth.ModeNone {
		logger.Warn().Msg("authentication disabled, any client may connect")
	}

	srv, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure relay")
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	httpSrv := &http.Server{Handler: srv.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}
