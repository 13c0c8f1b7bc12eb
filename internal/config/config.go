package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout int
	Timeout     int
	Prefix      string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
	URLTTL          time.Duration
}

type StorageConfig struct {
	Driver       string // "local" or "s3"
	ExportDir    string
	PublicPrefix string
	ExternalURL  string
	FileTTL      time.Duration
}

// PaymentsConfig is read once at startup and handed to the obligation service.
type PaymentsConfig struct {
	DefaultCurrency string
	CryptoKind      string

	NotificationsEnabled bool
	NotifyAdapter        string // "webhook" or "redis"
	NotifyWebhookURL     string
	NotifyCallbackURL    string
	NotifyCallbackSecret string

	ExternalTimeout time.Duration
	ExternalRetries int

	PayableTypes []string
}

type RateFeedConfig struct {
	URL        string
	Interval   time.Duration
	Currencies []string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	SettledTopic  string
	ObservedTopic string
	GroupID       string
}

type AuthConfig struct {
	JWTSecret string
}

type AppConfig struct {
	Port        string
	AutoMigrate bool
	Postgres    PostgresConfig
	Redis       RedisConfig
	S3          S3Config
	Storage     StorageConfig
	Payments    PaymentsConfig
	RateFeed    RateFeedConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustAtoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int value %q: %v", s, err)
	}
	return i
}

func mustBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Fatalf("invalid bool value %q: %v", s, err)
	}
	return b
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("invalid duration value %q: %v", s, err)
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() AppConfig {
	defaultCurrency := strings.ToUpper(getenv("DEFAULT_CURRENCY", "USD"))

	return AppConfig{
		Port:        getenv("APP_PORT", "8010"),
		AutoMigrate: mustBool(getenv("DB_AUTO_MIGRATE", "true")),
		Postgres: PostgresConfig{
			Host:     getenv("PG_HOST", "127.0.0.1"),
			Port:     mustAtoi(getenv("PG_PORT", "5432")),
			User:     getenv("PG_USER", "root"),
			Password: getenv("PG_PASSWORD", "hello-world"),
			DBName:   getenv("PG_DB", "btc_payable"),
			SSLMode:  getenv("PG_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          mustAtoi(getenv("REDIS_DB", "0")),
			MaxRetries:  mustAtoi(getenv("REDIS_MAX_RETRIES", "5")),
			DialTimeout: mustAtoi(getenv("REDIS_DIAL_TIMEOUT", "10")),
			Timeout:     mustAtoi(getenv("REDIS_TIMEOUT", "5")),
			Prefix:      getenv("REDIS_PREFIX", "btc_payable_"),
		},
		S3: S3Config{
			Endpoint:        getenv("S3_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getenv("S3_ACCESS_KEY", "minio"),
			SecretAccessKey: getenv("S3_SECRET_KEY", "minio123"),
			Bucket:          getenv("S3_BUCKET", "exports"),
			Region:          getenv("S3_REGION", "us-east-1"),
			UseSSL:          mustBool(getenv("S3_USE_SSL", "false")),
			Prefix:          getenv("S3_PREFIX", ""),
			URLTTL:          mustDuration(getenv("S3_URL_TTL", "24h")),
		},
		Storage: StorageConfig{
			Driver:       getenv("EXPORT_STORAGE", "local"),
			ExportDir:    getenv("EXPORT_DIR", "./exports"),
			PublicPrefix: getenv("FILES_PUBLIC_PREFIX", "/files"),
			ExternalURL:  getenv("EXTERNAL_URL", ""),
			FileTTL:      mustDuration(getenv("EXPORT_FILE_TTL", "30m")),
		},
		Payments: PaymentsConfig{
			DefaultCurrency:      defaultCurrency,
			CryptoKind:           strings.ToUpper(getenv("CRYPTO_KIND", "BTC")),
			NotificationsEnabled: mustBool(getenv("NOTIFICATIONS_ENABLED", "false")),
			NotifyAdapter:        getenv("NOTIFY_ADAPTER", "webhook"),
			NotifyWebhookURL:     getenv("NOTIFY_WEBHOOK_URL", ""),
			NotifyCallbackURL:    getenv("NOTIFY_CALLBACK_URL", ""),
			NotifyCallbackSecret: getenv("NOTIFY_CALLBACK_SECRET", ""),
			ExternalTimeout:      mustDuration(getenv("EXTERNAL_TIMEOUT", "5s")),
			ExternalRetries:      mustAtoi(getenv("EXTERNAL_RETRIES", "3")),
			PayableTypes:         splitList(getenv("PAYABLE_TYPES", "order,invoice")),
		},
		RateFeed: RateFeedConfig{
			URL:        getenv("RATE_FEED_URL", ""),
			Interval:   mustDuration(getenv("RATE_FEED_INTERVAL", "1m")),
			Currencies: splitList(strings.ToUpper(getenv("RATE_FEED_CURRENCIES", defaultCurrency))),
		},
		Kafka: KafkaConfig{
			Enabled:       mustBool(getenv("KAFKA_ENABLED", "false")),
			Brokers:       splitList(getenv("KAFKA_BROKERS", "kafka:9092")),
			SettledTopic:  getenv("KAFKA_SETTLED_TOPIC", "payment.settled"),
			ObservedTopic: getenv("KAFKA_OBSERVED_TOPIC", "btc.tx.observed"),
			GroupID:       getenv("KAFKA_GROUP_ID", "btc-payable"),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
		},
	}
}

// Validate rejects combinations that would leave the service running but
// unable to do its job.
func (c AppConfig) Validate() error {
	if c.Payments.NotificationsEnabled && c.Payments.NotifyCallbackSecret == "" {
		return errors.New("NOTIFY_CALLBACK_SECRET is required when NOTIFICATIONS_ENABLED is set")
	}
	return nil
}
