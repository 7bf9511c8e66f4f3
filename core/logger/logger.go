// Package logger builds the zap logger handed to every component at startup.
package logger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// componentNameKey is a context key for storing the component name.
type componentNameKeyType string

const componentNameKey componentNameKeyType = "componentName"

// Options selects level and encoding for New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

// New builds a zap logger. The console format mirrors the development setup used
// during local runs; json is meant for production log shipping.
func New(opts Options) (*zap.Logger, error) {
	var config zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "console":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Add color to level output
	case "json":
		config = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	return config.Build()
}

// OrNop returns l, or a no-op logger when l is nil. Constructors use it so tests
// can pass nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ComponentName extracts the component name from the context.
func ComponentName(ctx context.Context) string {
	if name, ok := ctx.Value(componentNameKey).(string); ok {
		return name
	}
	return "unknown" // Default if not found in context
}

// WithComponentName creates a new context with the component name set.
// Modules and gateways use it to identify themselves in log lines.
func WithComponentName(ctx context.Context, componentName string) context.Context {
	return context.WithValue(ctx, componentNameKey, componentName)
}

// For returns l enriched with the component name carried by ctx.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	return OrNop(l).With(zap.String("component", ComponentName(ctx)))
}
