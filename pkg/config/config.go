package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  string
	Environment string
	InstanceID  string
	LogLevel    string
	LogFile     string

	MetricsExporter string

	StoreDriver string
	SQLitePath  string

	FirebaseProject           string
	FirebaseServiceAccount    string
	FirebaseServiceAccountRaw string
	StorageBucket             string

	AuthProvider string
	JWTSecret    string
	JWKSURL      string

	RedisURL          string
	BusDriver         string
	NATSURL           string
	NATSSubjectPrefix string

	HotBufferCapacity    int
	HotBufferTTL         time.Duration
	HistoryPageSize      int
	MembershipTTL        time.Duration
	PersistMaxRetries    int
	AttachmentMaxSize    int64
	AttachmentMaxCount   int
	ClearHotBufferOnIdle bool
}

func Load() (*Config, error) {
	godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("METRICS_EXPORTER", "none")
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "gamechat.db")
	v.SetDefault("FIREBASE_PROJECT_ID", "")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_PATH", "")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_JSON", "")
	v.SetDefault("STORAGE_BUCKET", "")
	v.SetDefault("AUTH_PROVIDER", "jwt")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWKS_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("BUS_DRIVER", "nats")
	v.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	v.SetDefault("NATS_SUBJECT_PREFIX", "gamechat")
	v.SetDefault("HOT_BUFFER_CAPACITY", 50)
	v.SetDefault("HOT_BUFFER_TTL", time.Hour)
	v.SetDefault("HISTORY_PAGE_SIZE", 50)
	v.SetDefault("MEMBERSHIP_TTL", time.Hour)
	v.SetDefault("PERSIST_MAX_RETRIES", 5)
	v.SetDefault("ATTACHMENT_MAX_SIZE", 5*1024*1024)
	v.SetDefault("ATTACHMENT_MAX_COUNT", 5)
	v.SetDefault("CLEAR_HOT_BUFFER_ON_IDLE", true)

	config := &Config{
		ServerPort:  v.GetString("SERVER_PORT"),
		Environment: v.GetString("ENVIRONMENT"),
		InstanceID:  v.GetString("INSTANCE_ID"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFile:     v.GetString("LOG_FILE"),

		MetricsExporter: strings.ToLower(v.GetString("METRICS_EXPORTER")),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:  v.GetString("SQLITE_PATH"),

		FirebaseProject:           v.GetString("FIREBASE_PROJECT_ID"),
		FirebaseServiceAccount:    v.GetString("FIREBASE_SERVICE_ACCOUNT_PATH"),
		FirebaseServiceAccountRaw: v.GetString("FIREBASE_SERVICE_ACCOUNT_JSON"),
		StorageBucket:             v.GetString("STORAGE_BUCKET"),

		AuthProvider: strings.ToLower(v.GetString("AUTH_PROVIDER")),
		JWTSecret:    v.GetString("JWT_SECRET"),
		JWKSURL:      v.GetString("JWKS_URL"),

		RedisURL:          v.GetString("REDIS_URL"),
		BusDriver:         strings.ToLower(v.GetString("BUS_DRIVER")),
		NATSURL:           v.GetString("NATS_URL"),
		NATSSubjectPrefix: v.GetString("NATS_SUBJECT_PREFIX"),

		HotBufferCapacity:    v.GetInt("HOT_BUFFER_CAPACITY"),
		HotBufferTTL:         v.GetDuration("HOT_BUFFER_TTL"),
		HistoryPageSize:      v.GetInt("HISTORY_PAGE_SIZE"),
		MembershipTTL:        v.GetDuration("MEMBERSHIP_TTL"),
		PersistMaxRetries:    v.GetInt("PERSIST_MAX_RETRIES"),
		AttachmentMaxSize:    v.GetInt64("ATTACHMENT_MAX_SIZE"),
		AttachmentMaxCount:   v.GetInt("ATTACHMENT_MAX_COUNT"),
		ClearHotBufferOnIdle: v.GetBool("CLEAR_HOT_BUFFER_ON_IDLE"),
	}

	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case "firestore":
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required when STORE_DRIVER=firestore")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be firestore or sqlite", c.StoreDriver)
	}

	switch c.AuthProvider {
	case "jwt":
		if c.JWTSecret == "" && c.JWKSURL == "" {
			return fmt.Errorf("JWT_SECRET or JWKS_URL is required when AUTH_PROVIDER=jwt")
		}
	case "firebase":
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required when AUTH_PROVIDER=firebase")
		}
	default:
		return fmt.Errorf("invalid AUTH_PROVIDER %q: must be firebase or jwt", c.AuthProvider)
	}

	switch c.MetricsExporter {
	case "none":
	case "gcp":
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required when METRICS_EXPORTER=gcp")
		}
	default:
		return fmt.Errorf("invalid METRICS_EXPORTER %q: must be none or gcp", c.MetricsExporter)
	}

	if c.BusDriver != "nats" && c.BusDriver != "local" {
		return fmt.Errorf("invalid BUS_DRIVER %q: must be nats or local", c.BusDriver)
	}
	if c.HotBufferCapacity <= 0 {
		return fmt.Errorf("HOT_BUFFER_CAPACITY must be positive, got %d", c.HotBufferCapacity)
	}
	if c.HotBufferTTL <= 0 || c.MembershipTTL <= 0 {
		return fmt.Errorf("HOT_BUFFER_TTL and MEMBERSHIP_TTL must be positive")
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}
	if c.PersistMaxRetries < 0 {
		return fmt.Errorf("PERSIST_MAX_RETRIES must not be negative")
	}
	if c.AttachmentMaxCount <= 0 || c.AttachmentMaxSize <= 0 {
		return fmt.Errorf("ATTACHMENT_MAX_COUNT and ATTACHMENT_MAX_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
