package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "fleetwatch")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting fleetwatch",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("telemetry_topic", cfg.Telemetry.Topic),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	svc, err := service.NewTelemetryService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize telemetry service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zapLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-svc.HTTPErrors():
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	svc.Stop(shutdownCtx)
}
