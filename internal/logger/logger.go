// Package logger provides structured logging via go.uber.org/zap, scoped
// per-component and per-session the way the rest of the codebase expects.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// SessionIDKey is the context key under which a session id is stashed so
// WithContext can pick it up without every call site passing it by hand.
const SessionIDKey contextKey = "session_id"

// Config controls how a Logger is constructed.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Logger wraps a *zap.Logger with the With/context helpers the rest of
// the codebase is written against.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns a process-wide logger initialized with sane defaults.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := New(Config{Level: "info", Format: detectFormat(), OutputPath: "stdout"})
		if err != nil {
			z, _ := zap.NewProduction()
			l = &Logger{zap: z}
		}
		defaultLogger = l
	})
	return defaultLogger
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" || cfg.Format == "text" {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		encoder = zapcore.NewJSONEncoder(enc)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{zap: zap.New(core, zap.AddCaller())}, nil
}

func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// WithFields returns a derived Logger carrying the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithContext pulls a session id (if any) off ctx and attaches it.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if sid, ok := ctx.Value(SessionIDKey).(string); ok && sid != "" {
		return l.WithFields(zap.String("session_id", sid))
	}
	return l
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// ContextWithSessionID returns a context carrying sid for WithContext.
func ContextWithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sid)
}
