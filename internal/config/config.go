package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config fleetwatch 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 遥测接入配置
	Telemetry struct {
		Topic string // 遥测主题，如 "telemetry/+"
	}

	// 外部后端配置
	Backends struct {
		PushgatewayURL string // 指标推送网关
		LokiURL        string // 日志后端
		PrometheusURL  string // 指标查询后端
		AlertsURL      string // 活动告警查询接口
		PushTimeout    time.Duration
	}

	// Coredump 解码服务配置
	Crash struct {
		DecoderURL  string // 外部解码服务地址
		ProgramPath string // 设备固件ELF路径
		Timeout     time.Duration
	}

	// 在线状态判定配置
	Liveness struct {
		Window        time.Duration // 存活信号滑动窗口
		AlertCacheTTL time.Duration // 告警快照缓存TTL
	}

	// 预测分析配置
	Predictive struct {
		AnalyticsURL    string
		Interval        time.Duration
		Metrics         []string // 跟踪的指标白名单
		HistorySamples  int      // 拉取的历史样本数
		MinWindow       int      // 分析所需最少样本数
		ForecastHorizon int
		Threshold       float64
		StepMinutes     int
		CriticalMinutes int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量优先，缺省使用默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "fleetwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "fleetwatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Telemetry.Topic = getEnv("TELEMETRY_TOPIC", "telemetry/+")

	cfg.Backends.PushgatewayURL = getEnv("PUSHGATEWAY_URL", "http://pushgateway:9091")
	cfg.Backends.LokiURL = getEnv("LOKI_URL", "http://loki:3100")
	cfg.Backends.PrometheusURL = getEnv("PROMETHEUS_URL", "http://prometheus:9090")
	cfg.Backends.AlertsURL = getEnv("ALERTS_URL", cfg.Backends.PrometheusURL+"/api/v1/alerts")
	cfg.Backends.PushTimeout = getEnvDuration("PUSH_TIMEOUT", 3*time.Second)

	cfg.Crash.DecoderURL = getEnv("CRASH_DECODER_URL", "http://coredump-decoder:8090")
	cfg.Crash.ProgramPath = getEnv("CRASH_PROGRAM_PATH", "/firmware/app.elf")
	cfg.Crash.Timeout = getEnvDuration("CRASH_DECODER_TIMEOUT", 30*time.Second)

	cfg.Liveness.Window = getEnvDuration("LIVENESS_WINDOW", 2*time.Minute)
	cfg.Liveness.AlertCacheTTL = getEnvDuration("ALERT_CACHE_TTL", 15*time.Second)

	cfg.Predictive.AnalyticsURL = getEnv("ANALYTICS_URL", "http://analytics:8050")
	cfg.Predictive.Interval = getEnvDuration("PREDICTIVE_INTERVAL", 30*time.Second)
	cfg.Predictive.Metrics = getEnvList("PREDICTIVE_METRICS",
		[]string{"device_cpu_usage", "device_battery_level", "device_dryer_temp_now"})
	cfg.Predictive.HistorySamples = getEnvInt("HISTORY_SAMPLES", 150)
	cfg.Predictive.MinWindow = getEnvInt("MIN_WINDOW", 60)
	cfg.Predictive.ForecastHorizon = getEnvInt("FORECAST_HORIZON", 50)
	cfg.Predictive.Threshold = getEnvFloat("FORECAST_THRESHOLD", 85.0)
	cfg.Predictive.StepMinutes = getEnvInt("FORECAST_STEP_MINUTES", 2)
	cfg.Predictive.CriticalMinutes = getEnvInt("CRITICAL_MINUTES", 30)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Predictive.MinWindow > cfg.Predictive.HistorySamples {
		return nil, fmt.Errorf("MIN_WINDOW (%d) must not exceed HISTORY_SAMPLES (%d)",
			cfg.Predictive.MinWindow, cfg.Predictive.HistorySamples)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
