/**
 * Configuration for the meter reading worker
 *
 * Loads configuration from environment variables (optionally seeded from .env).
 * The struct is built once at startup and treated as read-only afterwards.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Strategy identifiers accepted by OCR_DEFAULT_STRATEGY and OCR_FALLBACK_ORDER.
var knownStrategies = map[string]bool{
	"auto":          true,
	"basic":         true,
	"advanced":      true,
	"seven_segment": true,
	"simple":        true,
	"template":      true,
}

// Config holds worker configuration
type Config struct {
	// OCR configuration
	DefaultStrategy     string
	ConfidenceThreshold float64
	EnableFallback      bool
	DebugMode           bool
	DebugDir            string
	FallbackOrder       []string
	TemplateDir         string

	// Meter display format
	WholeDigits    int
	FractionDigits int

	// Tesseract configuration
	TesseractPath     string
	TessdataPrefix    string
	TesseractLanguage string

	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string

	// PostgreSQL configuration
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int

	// Image archive (raw/processed/failed)
	ArchiveDir string

	// HTTP server
	HTTPAddr string

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DefaultStrategy:     getEnvOrDefault("OCR_DEFAULT_STRATEGY", "auto"),
		ConfidenceThreshold: getEnvAsFloatOrDefault("OCR_CONFIDENCE_THRESHOLD", 50.0),
		EnableFallback:      getEnvAsBoolOrDefault("OCR_ENABLE_FALLBACK", true),
		DebugMode:           getEnvAsBoolOrDefault("OCR_DEBUG_MODE", false),
		DebugDir:            getEnvOrDefault("OCR_DEBUG_DIR", "./debug/ocr"),
		FallbackOrder:       getEnvAsListOrDefault("OCR_FALLBACK_ORDER", []string{"template", "seven_segment", "advanced", "simple", "basic"}),
		TemplateDir:         getEnvOrDefault("OCR_TEMPLATE_DIR", ""),
		WholeDigits:         getEnvAsIntOrDefault("DISPLAY_WHOLE_DIGITS", 7),
		FractionDigits:      getEnvAsIntOrDefault("DISPLAY_FRACTION_DIGITS", 1),
		TesseractPath:       getEnvOrDefault("TESSERACT_PATH", ""),
		TessdataPrefix:      getEnvOrDefault("TESSDATA_PREFIX", ""),
		TesseractLanguage:   getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "meterread:jobs"),
		QueueBackend:        getEnvOrDefault("QUEUE_BACKEND", "redis"),
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:         getEnvAsInt64OrDefault("MAX_FILE_SIZE", 10485760), // 10MB
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT_MS", 60000),
		ArchiveDir:          getEnvOrDefault("ARCHIVE_DIR", "./static/uploads"),
		HTTPAddr:            getEnvOrDefault("HTTP_ADDR", ":8090"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the OCR settings shared by every binary
func (c *Config) Validate() error {
	if !knownStrategies[c.DefaultStrategy] {
		return fmt.Errorf("OCR_DEFAULT_STRATEGY must be one of auto, basic, advanced, seven_segment, simple, template, got %q", c.DefaultStrategy)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("OCR_CONFIDENCE_THRESHOLD must be between 0 and 100, got %v", c.ConfidenceThreshold)
	}

	seen := make(map[string]bool, len(c.FallbackOrder))
	for _, s := range c.FallbackOrder {
		if s == "auto" || !knownStrategies[s] {
			return fmt.Errorf("OCR_FALLBACK_ORDER contains invalid strategy %q", s)
		}
		if seen[s] {
			return fmt.Errorf("OCR_FALLBACK_ORDER lists %q twice", s)
		}
		seen[s] = true
	}

	if c.WholeDigits < 1 || c.FractionDigits < 0 || c.WholeDigits+c.FractionDigits > 12 {
		return fmt.Errorf("invalid display format: %d whole digits, %d fraction digits", c.WholeDigits, c.FractionDigits)
	}

	if c.DebugMode && c.DebugDir == "" {
		return fmt.Errorf("OCR_DEBUG_DIR is required when OCR_DEBUG_MODE is enabled")
	}

	return nil
}

// ValidateWorker checks the settings only the queue worker needs
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 100MB, got %d", c.MaxFileSize)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma separated variable, dropping blanks
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
