package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the event lifecycle service and the job dispatcher.
type Config struct {
	Addr        string
	DatabaseURL string
	LogLevel    string
	JWTSecret   string

	TLSCertFile       string
	TLSKeyFile        string
	TLSClientCAFile   string
	RequireClientCert bool
	RateLimit         int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	OwnershipTTL   time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string
	AuditBucket    string
	AuditPrefix    string
	MigrateOnStart bool

	SchedulerCallTimeout    time.Duration
	SchedulerRetryAttempts  int
	SchedulerRetryInitial   time.Duration
	SchedulerRetryMax       time.Duration
	SchedulingConcurrency   int
	AcceptPartialScheduling bool
	ReconcileInterval       time.Duration
	ReconcileBatchSize      int

	DispatchBatchSize    int
	DispatchPollInterval time.Duration
	DispatchConcurrency  int
}

const (
	defaultAddr                  = ":8070"
	defaultRateLimit             = 600
	defaultKafkaTopic            = "session-jobs"
	defaultKafkaGroup            = "event-lifecycle"
	defaultOwnershipTTL          = 10 * time.Minute
	defaultSchedulerCallTimeout  = 5 * time.Second
	defaultSchedulerRetries      = 3
	defaultSchedulerRetryInitial = 200 * time.Millisecond
	defaultSchedulerRetryMax     = 2 * time.Second
	defaultSchedulingConcurrency = 4
	defaultReconcileInterval     = time.Minute
	defaultReconcileBatchSize    = 20
	defaultDispatchBatchSize     = 25
	defaultDispatchPollInterval  = time.Second
	defaultDispatchConcurrency   = 5
)

// Load reads environment variables and returns a Config.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("EVENT_LIFECYCLE_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("EVENT_LIFECYCLE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		JWTSecret:   os.Getenv("EVENT_LIFECYCLE_JWT_SECRET"),

		TLSCertFile:       os.Getenv("EVENT_LIFECYCLE_TLS_CERT"),
		TLSKeyFile:        os.Getenv("EVENT_LIFECYCLE_TLS_KEY"),
		TLSClientCAFile:   os.Getenv("EVENT_LIFECYCLE_TLS_CLIENT_CA"),
		RequireClientCert: getBool("EVENT_LIFECYCLE_REQUIRE_CLIENT_CERT", false),
		RateLimit:         getInt("EVENT_LIFECYCLE_RATE_LIMIT", defaultRateLimit),

		RedisAddr:      os.Getenv("EVENT_LIFECYCLE_REDIS_ADDR"),
		RedisPassword:  os.Getenv("EVENT_LIFECYCLE_REDIS_PASSWORD"),
		RedisDB:        getInt("EVENT_LIFECYCLE_REDIS_DB", 0),
		OwnershipTTL:   getDuration("EVENT_LIFECYCLE_OWNERSHIP_TTL", defaultOwnershipTTL),
		KafkaBrokers:   parseCSV(firstNonEmpty(os.Getenv("EVENT_LIFECYCLE_KAFKA_BROKERS"), os.Getenv("KAFKA_BROKERS"))),
		KafkaTopic:     getEnv("EVENT_LIFECYCLE_KAFKA_TOPIC", defaultKafkaTopic),
		KafkaGroupID:   getEnv("EVENT_LIFECYCLE_KAFKA_GROUP", defaultKafkaGroup),
		AuditBucket:    os.Getenv("EVENT_LIFECYCLE_AUDIT_BUCKET"),
		AuditPrefix:    os.Getenv("EVENT_LIFECYCLE_AUDIT_PREFIX"),
		MigrateOnStart: getBool("EVENT_LIFECYCLE_MIGRATE", false),

		SchedulerCallTimeout:    getDuration("EVENT_LIFECYCLE_SCHEDULER_TIMEOUT", defaultSchedulerCallTimeout),
		SchedulerRetryAttempts:  getInt("EVENT_LIFECYCLE_SCHEDULER_RETRIES", defaultSchedulerRetries),
		SchedulerRetryInitial:   getDuration("EVENT_LIFECYCLE_SCHEDULER_RETRY_INITIAL", defaultSchedulerRetryInitial),
		SchedulerRetryMax:       getDuration("EVENT_LIFECYCLE_SCHEDULER_RETRY_MAX", defaultSchedulerRetryMax),
		SchedulingConcurrency:   getInt("EVENT_LIFECYCLE_SCHEDULING_CONCURRENCY", defaultSchedulingConcurrency),
		AcceptPartialScheduling: getBool("EVENT_LIFECYCLE_ACCEPT_PARTIAL_SCHEDULING", false),
		ReconcileInterval:       getDuration("EVENT_LIFECYCLE_RECONCILE_INTERVAL", defaultReconcileInterval),
		ReconcileBatchSize:      getInt("EVENT_LIFECYCLE_RECONCILE_BATCH", defaultReconcileBatchSize),

		DispatchBatchSize:    getInt("JOB_DISPATCHER_BATCH_SIZE", defaultDispatchBatchSize),
		DispatchPollInterval: getDuration("JOB_DISPATCHER_POLL_INTERVAL", defaultDispatchPollInterval),
		DispatchConcurrency:  getInt("JOB_DISPATCHER_CONCURRENCY", defaultDispatchConcurrency),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or EVENT_LIFECYCLE_DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

// getDuration accepts Go duration strings ("5s") or bare integers as seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
