// Command codebox-server runs the container session server.
//
// Configuration is environment-driven (CODEBOX_*); see internal/config.
// Exit codes: 0 on clean shutdown, 1 on misconfiguration, 2 on fatal
// runtime error.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/server"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logging.NewDefault().Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		log.Error("server startup failed", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server terminated", zap.Error(err))
		os.Exit(2)
	}
}
