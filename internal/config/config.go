package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hrithick25/smartcollar/common/config"
	"github.com/Hrithick25/smartcollar/internal/classifier"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config 心率遥测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig

	Telemetry struct {
		PostgresEnabled bool // 关闭后不持久化事件，历史/导出接口不可用
		AutoMigrate     bool // 启动时建表

		MQTTEnabled bool
		MQTTTopic   string // 项圈上报主题，如 "smartcollar/+/heartrate"

		StreamEnabled bool
		Stream        struct {
			Name          string // 读数流，如 "smartcollar:heartrate:stream"
			ConsumerGroup string
			ConsumerName  string
			BatchSize     int64
			Block         time.Duration
			MetricsReport time.Duration
		}

		StatusTTL         time.Duration // Redis 状态快照 TTL
		EventStream       string        // 事件外发流
		EventStreamMaxLen int64

		MaxDogs        int
		ManualIngest   bool // 开放 POST /readings
		IngestBuffer   int
		DispatchBuffer int
		SinkTimeout    time.Duration

		WebhookURL     string
		WebhookTimeout time.Duration

		InterventionEnabled bool
		CommandTopic        string // 下发给项圈的指令主题，%s 为项圈/狗 ID
	}

	HTTP struct {
		Addr        string
		CORSOrigins []string
	}

	Classifier classifier.Config

	Log struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

// classifierFile CLASSIFIER_CONFIG 指向的 YAML 文件
//
//	scheme_name: three-band
//	classifier:
//	  window_size: 5
//	  stale_timeout: 10s
type classifierFile struct {
	SchemeName string            `yaml:"scheme_name"`
	Classifier classifier.Config `yaml:"classifier"`
}

// Load 加载配置
// 顺序：.env 文件 -> 环境变量（带默认值） -> 分类器 YAML -> 环境变量覆盖 -> 校验
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "smartcollar"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "smartcollar-telemetry"
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka.Topic = "smartcollar.heartrate.events"
	cfg.Kafka.LoadFromEnv("KAFKA")

	t := &cfg.Telemetry
	t.PostgresEnabled = getEnvBool("POSTGRES_ENABLED", true)
	t.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", false)
	t.MQTTEnabled = getEnvBool("MQTT_ENABLED", true)
	t.MQTTTopic = getEnv("MQTT_HEARTRATE_TOPIC", "smartcollar/+/heartrate")
	t.StreamEnabled = getEnvBool("STREAM_ENABLED", false)
	t.Stream.Name = getEnv("HEARTRATE_STREAM", "smartcollar:heartrate:stream")
	t.Stream.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "smartcollar-telemetry")
	t.Stream.ConsumerName = getEnv("STREAM_CONSUMER_NAME", defaultConsumerName())
	t.Stream.BatchSize = int64(getEnvInt("STREAM_BATCH_SIZE", 10))
	t.Stream.Block = getEnvDuration("STREAM_BLOCK", 2*time.Second)
	t.Stream.MetricsReport = getEnvDuration("STREAM_METRICS_REPORT", time.Minute)
	t.StatusTTL = getEnvDuration("STATUS_TTL", 5*time.Minute)
	t.EventStream = getEnv("EVENT_STREAM", "smartcollar:events:stream")
	t.EventStreamMaxLen = int64(getEnvInt("EVENT_STREAM_MAXLEN", 10000))
	t.MaxDogs = getEnvInt("MAX_DOGS", 0)
	t.ManualIngest = getEnvBool("MANUAL_INGEST_ENABLED", true)
	t.IngestBuffer = getEnvInt("INGEST_BUFFER", 256)
	t.DispatchBuffer = getEnvInt("DISPATCH_BUFFER", 1024)
	t.SinkTimeout = getEnvDuration("SINK_TIMEOUT", 5*time.Second)
	t.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	t.WebhookTimeout = getEnvDuration("ALERT_WEBHOOK_TIMEOUT", 5*time.Second)
	t.InterventionEnabled = getEnvBool("INTERVENTION_ENABLED", false)
	t.CommandTopic = getEnv("MQTT_COMMAND_TOPIC", "smartcollar/%s/command")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.CORSOrigins = splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", 100)
	cfg.Log.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", 7)
	cfg.Log.MaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", 30)

	cfg.Classifier = classifier.DefaultConfig()
	if path := os.Getenv("CLASSIFIER_CONFIG"); path != "" {
		if err := loadClassifierFile(&cfg.Classifier, path); err != nil {
			return nil, err
		}
	}
	if err := applyClassifierEnv(&cfg.Classifier); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("invalid classifier config: %w", err)
	}
	if c.HTTP.Addr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	if c.Telemetry.InterventionEnabled && !c.Telemetry.MQTTEnabled {
		return errors.New("INTERVENTION_ENABLED requires MQTT_ENABLED")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT_QOS %d", c.MQTT.QoS)
	}
	if c.Telemetry.IngestBuffer < 0 || c.Telemetry.DispatchBuffer < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	return nil
}

func loadClassifierFile(cfg *classifier.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read classifier config %s: %w", path, err)
	}

	file := classifierFile{Classifier: *cfg}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse classifier config %s: %w", path, err)
	}

	*cfg = file.Classifier
	if file.SchemeName != "" {
		scheme, err := classifier.SchemeByName(file.SchemeName)
		if err != nil {
			return err
		}
		cfg.Scheme = scheme
	}
	return nil
}

// applyClassifierEnv 环境变量优先于 YAML
func applyClassifierEnv(cfg *classifier.Config) error {
	if name := os.Getenv("CLASSIFIER_SCHEME"); name != "" {
		scheme, err := classifier.SchemeByName(name)
		if err != nil {
			return err
		}
		cfg.Scheme = scheme
	}
	cfg.WindowSize = getEnvInt("CLASSIFIER_WINDOW_SIZE", cfg.WindowSize)
	cfg.SpikeThreshold = getEnvFloat("CLASSIFIER_SPIKE_THRESHOLD", cfg.SpikeThreshold)
	cfg.MinValue = getEnvFloat("CLASSIFIER_MIN_BPM", cfg.MinValue)
	cfg.MaxValue = getEnvFloat("CLASSIFIER_MAX_BPM", cfg.MaxValue)
	cfg.StaleTimeout = getEnvDuration("CLASSIFIER_STALE_TIMEOUT", cfg.StaleTimeout)
	cfg.StaleCheckInterval = getEnvDuration("CLASSIFIER_STALE_CHECK_INTERVAL", cfg.StaleCheckInterval)
	cfg.MaxReadingAge = getEnvDuration("CLASSIFIER_MAX_READING_AGE", cfg.MaxReadingAge)
	cfg.LogCapacity = getEnvInt("CLASSIFIER_LOG_CAPACITY", cfg.LogCapacity)
	return nil
}

func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "smartcollar-telemetry"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "10s" 形式，纯数字按秒
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
