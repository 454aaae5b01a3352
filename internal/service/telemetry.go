package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleetwatch/internal/analytics"
	"fleetwatch/internal/api"
	"fleetwatch/internal/config"
	"fleetwatch/internal/consumer"
	"fleetwatch/internal/crash"
	"fleetwatch/internal/database"
	"fleetwatch/internal/liveness"
	"fleetwatch/internal/mqtt"
	"fleetwatch/internal/predictive"
	"fleetwatch/internal/publisher"
	"fleetwatch/internal/redis"
	"fleetwatch/internal/repository"

	"go.uber.org/zap"
)

// TelemetryService 遥测核心服务
// 持有全部基础设施连接与处理管线，负责启动顺序与优雅关闭
type TelemetryService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	consumer   *consumer.TelemetryConsumer
	loop       *predictive.Loop
	httpServer *api.Server

	httpErr chan error
}

// NewTelemetryService 组装遥测服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	// 基础设施连接
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redis.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redis.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		redis.Close(redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	// 仓库层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	issueRepo := repository.NewIssueRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	metadataRepo := repository.NewMetadataRepository(db, logger)

	// 推送侧
	metricPublisher := publisher.NewMetricPublisher(cfg.Backends.PushgatewayURL, cfg.Backends.PushTimeout, logger)
	logBatcher := publisher.NewLogBatcher(cfg.Backends.LokiURL, cfg.Backends.PushTimeout, logger)

	// 崩溃诊断
	decoderClient := crash.NewDecoderClient(cfg.Crash.DecoderURL, cfg.Crash.ProgramPath, cfg.Crash.Timeout, logger)
	crashEngine := crash.NewEngine(decoderClient, deviceRepo, issueRepo, redisClient, logger)

	// 消费管线
	telemetryConsumer := consumer.NewTelemetryConsumer(metricPublisher, logBatcher, crashEngine, deviceRepo, logger)

	// 查询侧
	resolver := liveness.NewResolver(
		cfg.Backends.PrometheusURL,
		cfg.Backends.AlertsURL,
		redisClient,
		cfg.Liveness.Window,
		cfg.Liveness.AlertCacheTTL,
		cfg.Backends.PushTimeout,
		logger,
	)
	history := predictive.NewPromHistory(cfg.Backends.PrometheusURL, cfg.Backends.PushTimeout)
	lokiReader := api.NewLokiReader(cfg.Backends.LokiURL, cfg.Backends.PushTimeout)

	// 预测分析循环
	analyzerClient := analytics.NewClient(cfg.Predictive.AnalyticsURL, cfg.Backends.PushTimeout, logger)
	loop := predictive.NewLoop(deviceRepo, history, analyzerClient, alertRepo, predictive.Options{
		Interval:        cfg.Predictive.Interval,
		Metrics:         cfg.Predictive.Metrics,
		HistorySamples:  cfg.Predictive.HistorySamples,
		MinWindow:       cfg.Predictive.MinWindow,
		ForecastHorizon: cfg.Predictive.ForecastHorizon,
		Threshold:       cfg.Predictive.Threshold,
		StepMinutes:     cfg.Predictive.StepMinutes,
		CriticalMinutes: cfg.Predictive.CriticalMinutes,
	}, logger)

	// 只读HTTP接口
	handlers := api.NewHandlers(resolver, deviceRepo, issueRepo, alertRepo, metadataRepo, history, lokiReader, logger)
	httpServer := api.NewServer(cfg.HTTP.Addr, handlers, logger)

	return &TelemetryService{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		consumer:    telemetryConsumer,
		loop:        loop,
		httpServer:  httpServer,
		httpErr:     make(chan error, 1),
	}, nil
}

// Start 启动服务
func (s *TelemetryService) Start(ctx context.Context) error {
	if err := s.mqttClient.Subscribe(s.cfg.Telemetry.Topic, s.cfg.MQTT.QoS, s.consumer.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}
	s.logger.Info("Subscribed to telemetry topic", zap.String("topic", s.cfg.Telemetry.Topic))

	s.loop.Start(ctx)

	go func() {
		s.httpErr <- s.httpServer.Start()
	}()

	s.logger.Info("Telemetry service started")
	return nil
}

// HTTPErrors HTTP服务异常退出通知
func (s *TelemetryService) HTTPErrors() <-chan error {
	return s.httpErr
}

// Stop 优雅关闭：先停接入，再停后台循环，最后断开基础设施
func (s *TelemetryService) Stop(ctx context.Context) {
	if err := s.mqttClient.Unsubscribe(s.cfg.Telemetry.Topic); err != nil {
		s.logger.Warn("Failed to unsubscribe from telemetry topic", zap.Error(err))
	}
	s.mqttClient.Disconnect()

	s.loop.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	if err := redis.Close(s.redisClient); err != nil {
		s.logger.Warn("Failed to close redis connection", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Warn("Failed to close database connection", zap.Error(err))
	}

	stats := s.consumer.Stats()
	s.logger.Info("Telemetry service stopped",
		zap.Int64("envelopes_received", stats.EnvelopesReceived.Load()),
		zap.Int64("envelopes_malformed", stats.EnvelopesMalformed.Load()),
	)
}
