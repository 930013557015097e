// Package logging wraps zap with context-carried request fields.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

// Context keys for fields attached to every log line.
const (
	ConnIDKey   contextKey = "conn_id"
	UsernameKey contextKey = "username"
	RoomIDKey   contextKey = "room_id"
)

// Options configures the global logger.
type Options struct {
	// Development switches to the human-readable console encoder.
	Development bool
	// Level filters the console/stdout mirror ("debug", "info", "warn", "error").
	Level string
	// FilePath, when set, appends JSON log lines to this file as well.
	FilePath string
}

// Initialize sets up the global logger. Safe to call more than once; only the
// first call wins.
func Initialize(opts Options) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if opts.Development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if opts.Level != "" {
			var lvl zapcore.Level
			if lvl, err = zapcore.ParseLevel(opts.Level); err != nil {
				return
			}
			config.Level = zap.NewAtomicLevelAt(lvl)
		}

		config.OutputPaths = []string{"stdout"}
		if opts.FilePath != "" {
			config.OutputPaths = append(config.OutputPaths, opts.FilePath)
		}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback for tests or use before Initialize.
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Info logs a message at InfoLevel.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(ConnIDKey).(string); ok {
		fields = append(fields, zap.String("conn_id", cid))
	}
	if user, ok := ctx.Value(UsernameKey).(string); ok && user != "" {
		fields = append(fields, zap.String("username", user))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok && rid != "" {
		fields = append(fields, zap.String("room_id", rid))
	}

	return fields
}

// WithConn returns a context carrying the connection correlation id.
func WithConn(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// WithUser returns a context carrying the acting username.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UsernameKey, username)
}

// WithRoom returns a context carrying the room id.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}
