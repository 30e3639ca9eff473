package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Feed struct {
		Driver  string // "redis" or "nats"
		NATSURL string
	}

	Presence struct {
		FreshnessWindow   time.Duration
		HeartbeatInterval time.Duration
	}

	Canvas struct {
		Width          int
		Height         int
		PlayerSize     int
		MoveStep       int
		FrameInterval  time.Duration
		PersistWindow  time.Duration
		BubbleDuration time.Duration
	}
}

func New() *Config {
	cfg := &Config{}

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "cafe_core")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.DSN = os.Getenv("MYSQL_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
		cfg.DB.User = getEnvDefault("DB_USER", "root")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
		cfg.DB.Name = getEnvDefault("DB_NAME", "cafe")

		cfg.DB.DSN = fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
			cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
		)
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	if dbStr := getEnvDefault("REDIS_DB", "0"); dbStr != "" {
		if dbInt, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = dbInt
		}
	}

	// Change feed
	cfg.Feed.Driver = getEnvDefault("FEED_DRIVER", "redis")
	cfg.Feed.NATSURL = getEnvDefault("NATS_URL", "nats://127.0.0.1:4222")

	// Presence
	cfg.Presence.FreshnessWindow = getEnvDuration("PRESENCE_FRESHNESS_WINDOW", 60*time.Second)
	cfg.Presence.HeartbeatInterval = getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second)

	// Canvas
	cfg.Canvas.Width = getEnvInt("CANVAS_WIDTH", 800)
	cfg.Canvas.Height = getEnvInt("CANVAS_HEIGHT", 600)
	cfg.Canvas.PlayerSize = getEnvInt("CANVAS_PLAYER_SIZE", 32)
	cfg.Canvas.MoveStep = getEnvInt("CANVAS_MOVE_STEP", 5)
	cfg.Canvas.FrameInterval = getEnvDuration("CANVAS_FRAME_INTERVAL", 16*time.Millisecond)
	cfg.Canvas.PersistWindow = getEnvDuration("CANVAS_PERSIST_WINDOW", 100*time.Millisecond)
	cfg.Canvas.BubbleDuration = getEnvDuration("CANVAS_BUBBLE_DURATION", 5*time.Second)

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
