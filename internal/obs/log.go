package obs

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  atomic.Pointer[zap.Logger]
)

func init() {
	l, err := build()
	if err != nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Fields carries the structured payload of a single event.
type Fields map[string]any

func build() (*zap.Logger, error) {
	c := zap.NewProductionConfig()
	c.Level = level
	c.Sampling = nil
	c.EncoderConfig.TimeKey = "ts"
	c.EncoderConfig.MessageKey = "msg"
	c.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	c.DisableCaller = true
	c.DisableStacktrace = true
	c.OutputPaths = []string{"stdout"}
	return c.Build()
}

// Init sets the minimum level ("debug", "info", "warn", "error").
func Init(lvl string) error {
	if lvl == "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return fmt.Errorf("log level %q: %w", lvl, err)
	}
	level.SetLevel(l)
	return nil
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zap.DebugLevel)
		return
	}
	if level.Level() == zap.DebugLevel {
		level.SetLevel(zap.InfoLevel)
	}
}

// DebugEnabled reports whether debug events are emitted; hot loops check it before building Fields.
func DebugEnabled() bool { return level.Enabled(zap.DebugLevel) }

// SetLogger swaps the backing logger (tests use zaptest/observer cores).
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Sync flushes buffered entries.
func Sync() { _ = base.Load().Sync() }

func toZap(f Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { base.Load().Info(msg, toZap(f)...) }
func Warn(msg string, f Fields)  { base.Load().Warn(msg, toZap(f)...) }
func Error(msg string, f Fields) { base.Load().Error(msg, toZap(f)...) }
func Debug(msg string, f Fields) {
	if DebugEnabled() {
		base.Load().Debug(msg, toZap(f)...)
	}
}
