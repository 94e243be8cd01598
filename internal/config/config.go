// Package config loads the bot's configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the bot. Values come from environment
// variables; defaults match the reference deployment.
type Config struct {
	// Redis
	RedisURL string

	// Telegram
	TelegramToken string

	// Ops HTTP server (health + metrics)
	HTTPAddr string

	// Broadcast engine
	BroadcastsPerSecond int           // global send budget
	SendQueueCapacity   int           // sender inbound queue bound
	CacheCapacity       int           // stream entry cache size
	PrivateChatDelay    time.Duration // per-chat delay after a send
	GroupChatDelay      time.Duration // per-chat delay for groups/channels
	SenderBackoffBase   time.Duration // base of the send retry sequence
	UpdateErrorPause    time.Duration // pause after an update stream error

	// Store
	StoreCallTimeout time.Duration // overall deadline per store call
	DialogueTTL      time.Duration
	StreamRetention  time.Duration // how long stream entries are kept
	TrimSchedule     string        // cron spec for retention trimming

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		RedisURL:      getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		TelegramToken: getEnvOrDefault("TELEGRAM_TOKEN", ""),
		HTTPAddr:      getEnvOrDefault("HTTP_ADDR", ":8080"),

		BroadcastsPerSecond: getEnvAsInt("BROADCASTS_PER_SECOND", 30),
		SendQueueCapacity:   getEnvAsInt("SEND_QUEUE_CAPACITY", 3),
		CacheCapacity:       getEnvAsInt("CACHE_CAPACITY", 30),
		PrivateChatDelay:    getEnvAsDuration("PRIVATE_CHAT_DELAY", time.Second),
		GroupChatDelay:      getEnvAsDuration("GROUP_CHAT_DELAY", 3*time.Second),
		SenderBackoffBase:   getEnvAsDuration("SENDER_BACKOFF_BASE", 10*time.Millisecond),
		UpdateErrorPause:    getEnvAsDuration("UPDATE_ERROR_PAUSE", 20*time.Second),

		StoreCallTimeout: getEnvAsDuration("STORE_CALL_TIMEOUT", 30*time.Second),
		DialogueTTL:      getEnvAsDuration("DIALOGUE_TTL", 24*time.Hour),
		StreamRetention:  getEnvAsDuration("STREAM_RETENTION", 30*24*time.Hour),
		TrimSchedule:     getEnvOrDefault("TRIM_SCHEDULE", "17 3 * * *"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if cfg.BroadcastsPerSecond <= 0 {
		return nil, fmt.Errorf("BROADCASTS_PER_SECOND must be positive, got %d", cfg.BroadcastsPerSecond)
	}
	if cfg.SendQueueCapacity <= 0 {
		return nil, fmt.Errorf("SEND_QUEUE_CAPACITY must be positive, got %d", cfg.SendQueueCapacity)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
