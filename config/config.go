package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SweepBackendTicker = "ticker"
	SweepBackendAsynq  = "asynq"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey     string
	PubNubSubscribeKey   string
	PubNubSecretKey      string
	PubNubUserID         string
	PubNubPaymentChannel string

	// Queue configuration
	ActiveCapacityPerEvent int
	SessionTTL             time.Duration
	WaitPerPosition        time.Duration

	// Lock and reservation configuration
	SeatLockTTL            time.Duration
	TicketLockTTL          time.Duration
	ReservationTTL         time.Duration
	MaxSeatsPerReservation int

	// Sweep configuration
	QueueSweepInterval       time.Duration
	ReservationSweepInterval time.Duration
	LockSweepInterval        time.Duration
	SweepBatchSize           int
	SweepBackend             string

	// Notification transports, any of "pubnub", "websocket"
	NotifyBackends []string

	// Store circuit breaker
	BreakerFailureRatio float64
	BreakerMinRequests  int
	BreakerOpenTimeout  time.Duration

	// Security
	InternalTokenHash  string
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:     getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey:   getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:      getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:         getEnv("PUBNUB_USER_ID", "ticket-queue"),
		PubNubPaymentChannel: getEnv("PUBNUB_PAYMENT_CHANNEL", "payment-notifications"),

		// Queue
		ActiveCapacityPerEvent: getEnvAsInt("ACTIVE_CAPACITY_PER_EVENT", 1000),
		SessionTTL:             getEnvAsSeconds("SESSION_TTL_SECONDS", 300),
		WaitPerPosition:        getEnvAsSeconds("WAIT_SECONDS_PER_POSITION", 30),

		// Locks and reservations
		SeatLockTTL:            getEnvAsSeconds("SEAT_LOCK_TTL_SECONDS", 600),
		TicketLockTTL:          getEnvAsSeconds("TICKET_LOCK_TTL_SECONDS", 10),
		ReservationTTL:         getEnvAsSeconds("RESERVATION_TTL_SECONDS", 900),
		MaxSeatsPerReservation: getEnvAsInt("MAX_SEATS_PER_RESERVATION", 10),

		// Sweeps
		QueueSweepInterval:       getEnvAsSeconds("QUEUE_SWEEP_INTERVAL_SECONDS", 30),
		ReservationSweepInterval: getEnvAsSeconds("RESERVATION_SWEEP_INTERVAL_SECONDS", 30),
		LockSweepInterval:        getEnvAsSeconds("LOCK_SWEEP_INTERVAL_SECONDS", 60),
		SweepBatchSize:           getEnvAsInt("SWEEP_BATCH_SIZE", 100),
		SweepBackend:             getEnv("SWEEP_BACKEND", SweepBackendTicker),

		NotifyBackends: getEnvAsList("NOTIFY_BACKENDS", "websocket"),

		// Breaker
		BreakerFailureRatio: getEnvAsFloat("BREAKER_FAILURE_RATIO", 0.6),
		BreakerMinRequests:  getEnvAsInt("BREAKER_MIN_REQUESTS", 20),
		BreakerOpenTimeout:  getEnvAsDuration("BREAKER_OPEN_TIMEOUT", "10s"),

		// Security
		InternalTokenHash:  getEnv("INTERNAL_TOKEN_HASH", ""),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"SESSION_TTL_SECONDS":                c.SessionTTL,
		"SEAT_LOCK_TTL_SECONDS":              c.SeatLockTTL,
		"TICKET_LOCK_TTL_SECONDS":            c.TicketLockTTL,
		"RESERVATION_TTL_SECONDS":            c.ReservationTTL,
		"QUEUE_SWEEP_INTERVAL_SECONDS":       c.QueueSweepInterval,
		"RESERVATION_SWEEP_INTERVAL_SECONDS": c.ReservationSweepInterval,
		"LOCK_SWEEP_INTERVAL_SECONDS":        c.LockSweepInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.ActiveCapacityPerEvent <= 0 {
		errs = append(errs, errors.New("ACTIVE_CAPACITY_PER_EVENT must be positive"))
	}
	if c.MaxSeatsPerReservation <= 0 {
		errs = append(errs, errors.New("MAX_SEATS_PER_RESERVATION must be positive"))
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH_SIZE must be positive"))
	}
	if c.SweepBackend != SweepBackendTicker && c.SweepBackend != SweepBackendAsynq {
		errs = append(errs, fmt.Errorf("SWEEP_BACKEND %q is not one of %s, %s", c.SweepBackend, SweepBackendTicker, SweepBackendAsynq))
	}

	return errors.Join(errs...)
}

// HasNotifyBackend reports whether name is listed in NOTIFY_BACKENDS.
func (c *Config) HasNotifyBackend(name string) bool {
	for _, b := range c.NotifyBackends {
		if b == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// getEnvAsSeconds reads a whole number of seconds, e.g. SEAT_LOCK_TTL_SECONDS=600.
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
