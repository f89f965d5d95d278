package log

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
	atom   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger lazily builds a console logger on stderr so that packages can
// log before main has called Configure.
func initLogger() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = atom
		cfg.DisableStacktrace = true
		built, err := cfg.Build(zap.AddCallerSkip(2))
		if err != nil {
			built = zap.NewNop()
		}
		logger = built.Sugar()
	}
	return logger
}

// Configure replaces the global logger according to the given level and
// format ("json" or "console").
func Configure(level, format string) error {
	var zapCfg zap.Config
	switch strings.ToLower(format) {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zapCfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atom.SetLevel(lvl)
	zapCfg.Level = atom

	built, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(built)
	return nil
}

// SetLogger installs l as the global logger. Tests typically pass zap.NewNop().
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		_ = logger.Sync()
	}
	logger = l.WithOptions(zap.AddCallerSkip(2)).Sugar()
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		atom.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		atom.SetLevel(zapcore.WarnLevel)
	case LevelError:
		atom.SetLevel(zapcore.ErrorLevel)
	default:
		atom.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered log entries.
func Sync() {
	_ = initLogger().Sync()
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

func logWithLevel(level Level, msg string, kv ...any) {
	l := initLogger()
	// Odd trailing keys are dropped rather than reported by zap as DPANIC.
	if len(kv)%2 != 0 {
		kv = kv[:len(kv)-1]
	}

	switch level {
	case LevelDebug:
		l.Debugw(msg, kv...)
	case LevelWarn:
		l.Warnw(msg, kv...)
	case LevelError:
		l.Errorw(msg, kv...)
	default:
		l.Infow(msg, kv...)
	}
}
