// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug. LOG_LEVEL=trace (or
// GAZEQA_LOG_LEVEL=trace) resolves to it through parseLevel.
const LevelTrace = slog.Level(-8)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - GAZEQA_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - GAZEQA_LOG_LEVEL: debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	// GAZEQA_DEBUG enables debug logging and source information
	debug := os.Getenv("GAZEQA_DEBUG")
	debugEnabled := debug == "true" || debug == "1"
	if debugEnabled {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	// GAZEQA_LOG_LEVEL takes precedence over LOG_LEVEL (but not GAZEQA_DEBUG)
	if !debugEnabled {
		if level := os.Getenv("GAZEQA_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Parse log level
	level := parseLevel(cfg.Level)

	// Create handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	// Select handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRunContext returns a new logger with the run_id and phase fields
// set, so every subsequent log line from a running activity is
// attributable to the run and phase that produced it.
func WithRunContext(logger *slog.Logger, runID, phase string) *slog.Logger {
	return logger.With(
		slog.String("run_id", runID),
		slog.String("phase", phase),
	)
}
