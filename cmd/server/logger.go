package main

import (
	"github.com/septivank/gps-telemetry-ingest/internal/config"
	"github.com/septivank/gps-telemetry-ingest/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
