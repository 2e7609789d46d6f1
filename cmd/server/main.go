package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/gps-telemetry-ingest/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	// Load .env file from the working directory or one of its parents
	envPaths := []string{
		".env",
		"../../.env", // If running from bin/ subdirectory
	}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	envLoaded := false
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		fmt.Println("No .env file found, using system environment variables")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideDeviceRepository,
			ProvideRecordRepository,
			ProvideProvisioner,
			ProvideDeviceCache,
			ProvideRegistry,
			ProvidePurger,
			ProvideValidator,
			ProvideMQConnection,
			ProvidePublisher,
			ProvidePipeline,
			ProvideRouter,
		),
		fx.Invoke(
			drainRegistry,
			provisionOnStart,
			startHTTPServer,
			startConsumer,
			startMQTTSubscriber,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		tempLogger, _ := newLogger(&config.Config{ServiceName: "gps-telemetry-ingest", LogLevel: "info"})
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("application start timeout: a dependency (database, RabbitMQ, MQTT) is not reachable")
		}
		tempLogger.Fatal("failed to start application", zap.Error(err))
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
