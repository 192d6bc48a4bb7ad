// Package config loads and validates all gateway configuration from
// environment variables (12-factor app pattern).
//
// Two lists are assembled from numbered variables:
//
//	AVAIL_RPC_ENDPOINT_1, AVAIL_RPC_ENDPOINT_2, ... - DA node endpoints,
//	    tried in order with failover.
//	PRIVATE_KEY_0, PRIVATE_KEY_1, ...               - signer keys, one per
//	    worker. The list must be at least NUMBER_OF_THREADS long.
//
// Validation is strict: a short signer list, a missing database URL, or a
// private key that is not 32-byte hex aborts startup with a non-zero exit.
// Running with a partial signer pool would silently serialize submissions
// onto shared nonce streams, which is worse than not starting.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway and fallback processes.
type Config struct {
	HTTPPort      string
	DatabaseURL   string
	RedisURL      string
	RedisPassword string

	LogLevel    string
	Environment string

	// DA chain access.
	RPCEndpoints []string
	PrivateKeys  []string
	RetryWait    time.Duration

	// Worker pool.
	NumberOfThreads      int
	BroadcastChannelSize int
	MaxPendingRequests   int
	MaxPayloadSize       int64
	SubmitTimeout        time.Duration
	HeartbeatInterval    time.Duration
	SupervisorPeriod     time.Duration
	WorkerPace           time.Duration

	// Fallback reconciler.
	ReconcilerInterval  time.Duration
	ReconcilerAge       time.Duration
	ReconcilerBatchSize int
	MaxRetries          int
}

// Load reads configuration from the environment, applying defaults for the
// operational knobs. It does not validate; call Validate before use.
func Load() *Config {
	return &Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENVIRONMENT", "development"),

		RPCEndpoints: collectNumbered("AVAIL_RPC_ENDPOINT_", 1),
		PrivateKeys:  collectNumbered("PRIVATE_KEY_", 0),
		RetryWait:    getEnvSeconds("RPC_RETRY_WAIT_SECONDS", 5),

		NumberOfThreads:      getEnvInt("NUMBER_OF_THREADS", 1),
		BroadcastChannelSize: getEnvInt("BROADCAST_CHANNEL_SIZE", 100000),
		MaxPendingRequests:   getEnvInt("MAXIMUM_PENDING_REQUESTS", 50),
		MaxPayloadSize:       int64(getEnvInt("PAYLOAD_SIZE", 1024*1024)),
		SubmitTimeout:        getEnvSeconds("SUBMIT_TIMEOUT_SECONDS", 120),
		HeartbeatInterval:    getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 120),
		SupervisorPeriod:     getEnvSeconds("SUPERVISOR_PERIOD_SECONDS", 300),
		WorkerPace:           time.Duration(getEnvInt("WORKER_PACE_MS", 500)) * time.Millisecond,

		ReconcilerInterval:  getEnvSeconds("RECONCILER_INTERVAL_SECONDS", 10),
		ReconcilerAge:       time.Duration(getEnvInt("RECONCILER_AGE_MINUTES", 15)) * time.Minute,
		ReconcilerBatchSize: getEnvInt("RECONCILER_BATCH_SIZE", 10),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
	}
}

// Validate checks the invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one AVAIL_RPC_ENDPOINT_n is required")
	}
	if c.NumberOfThreads <= 0 {
		return fmt.Errorf("NUMBER_OF_THREADS must be positive, got %d", c.NumberOfThreads)
	}
	if len(c.PrivateKeys) < c.NumberOfThreads {
		return fmt.Errorf("signer list too short: %d private keys for %d threads",
			len(c.PrivateKeys), c.NumberOfThreads)
	}
	for i, k := range c.PrivateKeys {
		raw, err := hex.DecodeString(strings.TrimPrefix(k, "0x"))
		if err != nil {
			return fmt.Errorf("PRIVATE_KEY_%d: invalid hex: %w", i, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("PRIVATE_KEY_%d: want 32 bytes, got %d", i, len(raw))
		}
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("PAYLOAD_SIZE must be positive")
	}
	if c.BroadcastChannelSize <= 0 {
		return fmt.Errorf("BROADCAST_CHANNEL_SIZE must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	return nil
}

// collectNumbered gathers KEY_<start>, KEY_<start+1>, ... until the first
// missing variable.
func collectNumbered(prefix string, start int) []string {
	var out []string
	for i := start; ; i++ {
		v := os.Getenv(prefix + strconv.Itoa(i))
		if v == "" {
			break
		}
		out = append(out, v)
	}
	return out
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

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
