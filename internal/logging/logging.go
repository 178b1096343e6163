// Package logging holds the process-wide zap logger. Components take a named
// child of it (transfer.bot42.dc2.conn1) and HTTP handlers take the
// request-scoped one from the context.
package logging

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	mu    sync.RWMutex
	base  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	// Per-chunk debug lines must not be sampled away.
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	set(l)
	return nil
}

// InitDefault installs a JSON logger on stderr at the current level.
func InitDefault() {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	set(zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level), zap.AddCaller()))
}

func set(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Sync()
}

// SetLevel changes the global log level at runtime. Unknown levels are
// ignored.
func SetLevel(s string) {
	if lvl, err := zapcore.ParseLevel(s); err == nil {
		level.SetLevel(lvl)
	}
}

// L returns the global logger, installing the default one on first use.
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		InitDefault()
		return L()
	}
	return l
}

// Named returns a child of the global logger.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// WithContext returns the logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithRequestID returns a context whose logger carries requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(zap.String("request_id", requestID)))
}

func write(lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := L().WithOptions(zap.AddCallerSkip(2)).Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

func Debug(msg string, fields ...zap.Field) { write(zapcore.DebugLevel, msg, fields) }
func Info(msg string, fields ...zap.Field)  { write(zapcore.InfoLevel, msg, fields) }
func Warn(msg string, fields ...zap.Field)  { write(zapcore.WarnLevel, msg, fields) }
func Error(msg string, fields ...zap.Field) { write(zapcore.ErrorLevel, msg, fields) }

// Fatal logs at fatal level and exits the process.
func Fatal(msg string, fields ...zap.Field) { write(zapcore.FatalLevel, msg, fields) }
