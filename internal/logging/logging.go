// Package logging holds the process-wide zap logger used by the caches,
// getters, views and collaborators.
package logging

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global atomic.Pointer[zap.Logger]
)

// Config selects level, encoding and destination.
type Config struct {
	Level      string // debug, info, warn, error; empty means info
	Format     string // json or console
	OutputPath string // stdout, stderr or a file path
}

// Init builds the global logger from cfg.
func Init(cfg Config) error {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	switch cfg.Format {
	case "", "json":
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// Replace installs l as the global logger. nil restores the default.
func Replace(l *zap.Logger) { global.Store(l) }

// SetLevel changes the level at runtime. Unknown levels are ignored.
func SetLevel(name string) {
	if lvl, err := zapcore.ParseLevel(name); err == nil {
		level.SetLevel(lvl)
	}
}

// Sync flushes buffered entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger, building a JSON stderr logger on first use
// when Init was never called.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func String(key, val string) zap.Field                 { return zap.String(key, val) }
func Int(key string, val int) zap.Field                { return zap.Int(key, val) }
func Bool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Err(err error) zap.Field                          { return zap.Error(err) }
