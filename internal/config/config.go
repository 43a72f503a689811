package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	AWS      AWS      `yaml:"aws"`
	Scanner  Scanner  `yaml:"scanner"`
	Reporter Reporter `yaml:"reporter"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"marketplace-metering"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port        string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	MetricsPort string `yaml:"metrics_port" env:"METRICS_PORT" env-default:"9090"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"metering_db"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic    string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"metering-records"`
	DLQTopic string   `yaml:"dlq_topic" env:"KAFKA_DLQ_TOPIC" env-default:"metering-records-dlq"`
	GroupID  string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"billing-reporter"`
}

type AWS struct {
	Region      string `yaml:"region" env:"AWS_REGION" env-default:"us-east-1"`
	ProductCode string `yaml:"product_code" env:"PRODUCT_CODE"`
	SNSTopicARN string `yaml:"sns_topic_arn" env:"SNS_TOPIC_ARN"`
}

type Scanner struct {
	BatchSize          int           `yaml:"batch_size" env:"SCANNER_BATCH_SIZE" env-default:"25"`
	MaxRecordsPerCycle int           `yaml:"max_records_per_cycle" env:"SCANNER_MAX_RECORDS" env-default:"500"`
	Interval           time.Duration `yaml:"interval" env:"SCANNER_INTERVAL" env-default:"1m"`
	SafetyMargin       time.Duration `yaml:"safety_margin" env:"SCANNER_SAFETY_MARGIN" env-default:"30s"`
	ReclaimTimeout     time.Duration `yaml:"reclaim_timeout" env:"SCANNER_RECLAIM_TIMEOUT" env-default:"30m"`
}

type Reporter struct {
	BatchSize     int           `yaml:"batch_size" env:"REPORTER_BATCH_SIZE" env-default:"25"`
	BatchLinger   time.Duration `yaml:"batch_linger" env:"REPORTER_BATCH_LINGER" env-default:"2s"`
	RetryBase     time.Duration `yaml:"retry_base" env:"REPORTER_RETRY_BASE" env-default:"1s"`
	MaxAttempts   int           `yaml:"max_attempts" env:"REPORTER_MAX_ATTEMPTS" env-default:"3"`
	DedupWindow   time.Duration `yaml:"dedup_window" env:"REPORTER_DEDUP_WINDOW" env-default:"5m"`
	MaxDeliveries int           `yaml:"max_deliveries" env:"REPORTER_MAX_DELIVERIES" env-default:"5"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}

// Validate checks settings that have no usable default. Missing required
// configuration ends the invocation at startup.
func (c *Config) Validate() error {
	if c.AWS.ProductCode == "" {
		return fmt.Errorf("config error: PRODUCT_CODE is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config error: KAFKA_BROKERS is required")
	}
	return nil
}
