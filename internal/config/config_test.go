package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// 检查默认值
	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}

	if cfg.Database.Database != "fleetwatch" {
		t.Errorf("Expected DB_NAME default 'fleetwatch', got '%s'", cfg.Database.Database)
	}

	if cfg.Telemetry.Topic != "telemetry/+" {
		t.Errorf("Expected TELEMETRY_TOPIC default 'telemetry/+', got '%s'", cfg.Telemetry.Topic)
	}

	if cfg.Backends.AlertsURL != "http://prometheus:9090/api/v1/alerts" {
		t.Errorf("Expected ALERTS_URL derived from PROMETHEUS_URL, got '%s'", cfg.Backends.AlertsURL)
	}

	if cfg.Backends.PushTimeout != 3*time.Second {
		t.Errorf("Expected PUSH_TIMEOUT default 3s, got %v", cfg.Backends.PushTimeout)
	}

	if cfg.Liveness.Window != 2*time.Minute {
		t.Errorf("Expected LIVENESS_WINDOW default 2m, got %v", cfg.Liveness.Window)
	}

	if cfg.Predictive.Interval != 30*time.Second {
		t.Errorf("Expected PREDICTIVE_INTERVAL default 30s, got %v", cfg.Predictive.Interval)
	}

	if len(cfg.Predictive.Metrics) != 3 {
		t.Errorf("Expected 3 default tracked metrics, got %d", len(cfg.Predictive.Metrics))
	}

	if cfg.Predictive.HistorySamples != 150 || cfg.Predictive.MinWindow != 60 {
		t.Errorf("Expected history defaults 150/60, got %d/%d",
			cfg.Predictive.HistorySamples, cfg.Predictive.MinWindow)
	}

	if cfg.Predictive.Threshold != 85.0 {
		t.Errorf("Expected FORECAST_THRESHOLD default 85.0, got %f", cfg.Predictive.Threshold)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("PUSHGATEWAY_URL", "http://pgw.test:9091")
	os.Setenv("PROMETHEUS_URL", "http://prom.test:9090")
	os.Setenv("PREDICTIVE_METRICS", "device_cpu_usage, device_ram_usage_percent")
	os.Setenv("PREDICTIVE_INTERVAL", "1m")
	os.Setenv("LOG_LEVEL", "debug")

	defer func() {
		os.Unsetenv("DB_HOST")
		os.Unsetenv("PUSHGATEWAY_URL")
		os.Unsetenv("PROMETHEUS_URL")
		os.Unsetenv("PREDICTIVE_METRICS")
		os.Unsetenv("PREDICTIVE_INTERVAL")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "test-host" {
		t.Errorf("Expected DB_HOST 'test-host', got '%s'", cfg.Database.Host)
	}

	if cfg.Backends.PushgatewayURL != "http://pgw.test:9091" {
		t.Errorf("Expected PUSHGATEWAY_URL override, got '%s'", cfg.Backends.PushgatewayURL)
	}

	// AlertsURL 跟随 PROMETHEUS_URL
	if cfg.Backends.AlertsURL != "http://prom.test:9090/api/v1/alerts" {
		t.Errorf("Expected ALERTS_URL to follow PROMETHEUS_URL, got '%s'", cfg.Backends.AlertsURL)
	}

	if len(cfg.Predictive.Metrics) != 2 || cfg.Predictive.Metrics[1] != "device_ram_usage_percent" {
		t.Errorf("Unexpected tracked metrics: %v", cfg.Predictive.Metrics)
	}

	if cfg.Predictive.Interval != time.Minute {
		t.Errorf("Expected PREDICTIVE_INTERVAL 1m, got %v", cfg.Predictive.Interval)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_InvalidWindow(t *testing.T) {
	os.Clearenv()
	os.Setenv("MIN_WINDOW", "200")
	defer os.Unsetenv("MIN_WINDOW")

	if _, err := Load(); err == nil {
		t.Error("Expected error when MIN_WINDOW exceeds HISTORY_SAMPLES")
	}
}
