// Package logging builds the zap loggers used across the cache.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/httpcache/internal/obfuscate"
)

// Option configures NewLogger.
type Option func(*options)

type options struct {
	maxSize    int64
	maxBackups int
}

// WithRotation rotates the log file once it reaches maxSizeMB, keeping
// maxBackups old files. Ignored when logging to stdout.
func WithRotation(maxSizeMB, maxBackups int) Option {
	return func(o *options) {
		o.maxSize = int64(maxSizeMB) * 1024 * 1024
		o.maxBackups = maxBackups
	}
}

// ParseLevel maps a level name (debug, info, warn, error) to a zap level.
// The empty string means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error; unknown levels fall back to info.
// format can be json or console. If filePath is empty, logs are written to stdout.
func NewLogger(level, format, filePath string, opts ...Option) (*zap.Logger, error) {
	lvl, _ := ParseLevel(level)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var ws = zapcore.AddSync(os.Stdout)
	if filePath != "" {
		rw, err := newRotateWriter(filePath, o.maxSize, o.maxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	return zap.New(core), nil
}

// CacheKey returns a field with the first 12 characters of a cache key,
// enough to correlate log lines without flooding them.
func CacheKey(key string) zap.Field {
	if len(key) > 12 {
		key = key[:12]
	}
	return zap.String("cache_key", key)
}

// Secret returns a field with an obfuscated secret value.
func Secret(name, value string) zap.Field {
	return zap.String(name, obfuscate.Secret(value))
}
