// Package config loads runtime configuration from environment variables,
// with sensible defaults, and an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Feed describes one upstream GTFS-RT feed to poll.
type Feed struct {
	FeedID              string `yaml:"feed_id" validate:"required"`
	TripUpdatesURL      string `yaml:"trip_updates_url" validate:"omitempty,url"`
	VehiclePositionsURL string `yaml:"vehicle_positions_url" validate:"omitempty,url"`
}

// Config holds all runtime configuration for both the ingestor and the API
// server binaries. Both processes load the same struct; each only reads the
// fields relevant to it.
type Config struct {
	// Storage
	StoreDriver string `validate:"oneof=sqlite postgres"`
	SQLitePath  string
	DatabaseURL string

	// Catalog
	GTFSStaticURL string

	// Feeds
	Feeds []Feed

	// Ingest
	FeedUpdateInterval time.Duration
	FeedTimeout        time.Duration
	MaxRetries         int

	// Feature engine
	HeadwayWindowMinutes int
	RollingWindowHours   int

	// Detector
	LSTMSequenceLength   int
	LSTMHiddenSize       int
	AnomalyContamination float64
	ModelRetrainHour     int
	TrainingWindowHours  int
	SequenceTickSeconds  int
	SuppressWindowS      int
	DetectorM2Enabled    bool

	// Event bus / WS
	WSHeartbeatInterval time.Duration
	WSMaxConnections    int

	// Store
	RetentionHours int

	// Backpressure: state-store write latency watermarks that throttle
	// ingest before the store falls behind.
	WriteHighWatermark time.Duration
	WriteDropWatermark time.Duration

	// API server
	APIPort     string
	CORSOrigins []string
}

// Load reads configuration from environment variables, optionally overlaid
// by a YAML file named by CONFIG_FILE (or config.yml if present).
func Load() (*Config, error) {
	cfg := &Config{
		StoreDriver:   getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:    getEnv("SQLITE_DATABASE", "./data/transit.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		GTFSStaticURL: getEnv("GTFS_STATIC_URL", ""),

		FeedUpdateInterval: time.Duration(getEnvInt("FEED_UPDATE_INTERVAL", 30)) * time.Second,
		FeedTimeout:        time.Duration(getEnvInt("FEED_TIMEOUT", 10)) * time.Second,
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),

		HeadwayWindowMinutes: getEnvInt("HEADWAY_WINDOW_MINUTES", 30),
		RollingWindowHours:   getEnvInt("ROLLING_WINDOW_HOURS", 1),

		LSTMSequenceLength:   getEnvInt("LSTM_SEQUENCE_LENGTH", 24),
		LSTMHiddenSize:       getEnvInt("LSTM_HIDDEN_SIZE", 128),
		AnomalyContamination: getEnvFloat("ANOMALY_CONTAMINATION", 0.05),
		ModelRetrainHour:     getEnvInt("MODEL_RETRAIN_HOUR", 3),
		TrainingWindowHours:  getEnvInt("TRAINING_WINDOW_HOURS", 168),
		SequenceTickSeconds:  getEnvInt("SEQUENCE_TICK_SECONDS", 60),
		SuppressWindowS:      getEnvInt("SUPPRESS_WINDOW_S", 300),
		DetectorM2Enabled:    getEnvBool("DETECTOR_M2_ENABLED", true),

		WSHeartbeatInterval: time.Duration(getEnvInt("WS_HEARTBEAT_INTERVAL", 30)) * time.Second,
		WSMaxConnections:    getEnvInt("WS_MAX_CONNECTIONS", 1000),

		RetentionHours: getEnvInt("RETENTION_HOURS", 168),

		WriteHighWatermark: time.Duration(getEnvInt("WRITE_HIGH_WATERMARK_MS", 500)) * time.Millisecond,
		WriteDropWatermark: time.Duration(getEnvInt("WRITE_DROP_WATERMARK_MS", 2000)) * time.Millisecond,

		APIPort:     getEnv("PORT", "8081"),
		CORSOrigins: []string{getEnv("CORS_ORIGIN", "http://localhost:5173")},
	}

	configFile := getEnv("CONFIG_FILE", "config.yml")
	if _, err := os.Stat(configFile); err == nil {
		if err := overlayYAML(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	if len(cfg.Feeds) == 0 {
		cfg.Feeds = []Feed{{
			FeedID:              "default",
			TripUpdatesURL:      getEnv("GTFS_TRIP_UPDATES_URL", ""),
			VehiclePositionsURL: getEnv("GTFS_VEHICLE_POSITIONS_URL", ""),
		}}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// yamlOverlay mirrors the subset of Config that may come from a declarative
// file, since Config itself embeds time.Duration fields that do not map
// cleanly to plain YAML scalars.
type yamlOverlay struct {
	Feeds []Feed `yaml:"feeds"`
}

func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if len(overlay.Feeds) > 0 {
		cfg.Feeds = overlay.Feeds
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
