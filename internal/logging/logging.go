// Package logging provides structured logging for all components using
// go.uber.org/zap. Lines carry an ISO-8601 UTC timestamp, a severity, and the
// component name; file output rotates by size.
package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	File       string `mapstructure:"file"`        // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // rotation threshold
	MaxBackups int    `mapstructure:"max_backups"` // retained rotated files

	// Stderr routes console output to stderr instead of stdout. The CLI sets
	// this so machine-readable command output owns stdout.
	Stderr bool `mapstructure:"-"`
	// Quiet drops the console core when a file sink exists. The detached
	// daemon sets it; its stdout is only a crash-capture file.
	Quiet bool `mapstructure:"-"`
}

// Logger wraps zap.Logger with component-scoped helpers.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger, initialized lazily with console
// output at info level.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = mustNew(Config{Level: "info", Format: "console"})
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	defaultOnce.Do(func() {})
}

// New builds a logger from cfg. When cfg.File is set, output goes to both
// stdout (console encoding) and the rotating file (json encoding).
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var cores []zapcore.Core

	if !cfg.Quiet || cfg.File == "" {
		console := os.Stdout
		if cfg.Stderr {
			console = os.Stderr
		}
		consoleCfg := encCfg
		if cfg.Format == "console" || cfg.Format == "text" {
			consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
			cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(console), level))
		} else {
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(console), level))
		}
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxOr(cfg.MaxSizeMB, 10),
			MaxBackups: maxOr(cfg.MaxBackups, 5),
			Compress:   false,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zap: zl}, nil
}

func mustNew(cfg Config) *Logger {
	l, err := New(cfg)
	if err != nil {
		zl, _ := zap.NewProduction()
		return &Logger{zap: zl}
	}
	return l
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Component returns a logger named after one subsystem (monitor, pool, ...).
func (l *Logger) Component(name string) *Logger {
	return &Logger{zap: l.zap.Named(name)}
}

// WithTarget returns a logger carrying the agent target field.
func (l *Logger) WithTarget(t string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("target", t))}
}

// WithError returns a logger carrying the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zap: l.zap.With(zap.Error(err))}
}

// With returns a logger with extra structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// Zap exposes the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Wrap adopts an existing zap.Logger, for tests that observe log output.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{zap: z}
}
