package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Worker tuning. The defaults match what the queue was designed
	// around: small batches drained sequentially with a deliberate
	// pause between sends.
	PollInterval  time.Duration
	BatchSize     int
	SendTimeout   time.Duration
	ItemDelay     time.Duration
	WorkerAutorun bool

	// Reclaimer tuning.
	ReclaimInterval  time.Duration
	ReclaimThreshold time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	dbURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")

	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return &Config{
		Port:             port,
		DatabaseURL:      dbURL,
		RedisURL:         redisURL,
		PollInterval:     getEnvDuration("QUEUE_POLL_INTERVAL", 10*time.Second),
		BatchSize:        getEnvInt("QUEUE_BATCH_SIZE", 5),
		SendTimeout:      getEnvDuration("QUEUE_SEND_TIMEOUT", 30*time.Second),
		ItemDelay:        getEnvDuration("QUEUE_ITEM_DELAY", time.Second),
		WorkerAutorun:    getEnvBool("QUEUE_WORKER_AUTORUN", true),
		ReclaimInterval:  getEnvDuration("QUEUE_RECLAIM_INTERVAL", 5*time.Minute),
		ReclaimThreshold: getEnvDuration("QUEUE_RECLAIM_THRESHOLD", 5*time.Minute),
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
