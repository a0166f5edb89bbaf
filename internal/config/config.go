// Package config loads server configuration from DEVINTEL_* environment
// variables. Flags in cmd/devintel override individual fields.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full server configuration.
type Config struct {
	// Addr is the HTTP/WebSocket listen address.
	Addr string
	// DatabaseURL selects the event store backend: "sqlite:<dsn>" or a
	// postgres URL/DSN.
	DatabaseURL string

	// Provider names resolved through the adapter registries.
	EmbeddingProvider   string
	VectorStoreProvider string
	AnalysisProvider    string

	// MonitorInterval is the sessions_update push period.
	MonitorInterval time.Duration
	// SimilarK is how many similar cases feed each analysis.
	SimilarK int
	// ContextWindow is how many recent session events feed each analysis.
	ContextWindow int
	// PatternWindowEvents / PatternWindowAge bound the detection window.
	PatternWindowEvents int
	PatternWindowAge    time.Duration

	// TraceStdout enables the stdout trace exporter.
	TraceStdout bool
}

// Load reads the environment with defaults suitable for local development.
func Load() Config {
	return Config{
		Addr:                getEnv("DEVINTEL_ADDR", ":8080"),
		DatabaseURL:         getEnv("DEVINTEL_DATABASE_URL", "sqlite:file:devintel.db?_pragma=busy_timeout(5000)"),
		EmbeddingProvider:   getEnv("DEVINTEL_EMBEDDING_PROVIDER", "openai"),
		VectorStoreProvider: getEnv("DEVINTEL_VECTORSTORE_PROVIDER", "memory"),
		AnalysisProvider:    getEnv("DEVINTEL_ANALYSIS_PROVIDER", "openai"),
		MonitorInterval:     getDuration("DEVINTEL_MONITOR_INTERVAL", 5*time.Second),
		SimilarK:            getInt("DEVINTEL_SIMILAR_K", 5),
		ContextWindow:       getInt("DEVINTEL_CONTEXT_WINDOW", 20),
		PatternWindowEvents: getInt("DEVINTEL_PATTERN_WINDOW_EVENTS", 50),
		PatternWindowAge:    getDuration("DEVINTEL_PATTERN_WINDOW_AGE", 15*time.Minute),
		TraceStdout:         getBool("DEVINTEL_TRACE_STDOUT", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
