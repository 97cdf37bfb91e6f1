package shared

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Printf(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)
	Fatalf(string, ...any)
}

type zapLogger struct{ s *zap.SugaredLogger }

func (l *zapLogger) Printf(f string, a ...any) { l.s.Infof(f, a...) }
func (l *zapLogger) Warnf(f string, a ...any)  { l.s.Warnf(f, a...) }
func (l *zapLogger) Errorf(f string, a ...any) { l.s.Errorf(f, a...) }
func (l *zapLogger) Fatalf(f string, a ...any) { l.s.Fatalf(f, a...) }

// NewLogger returns a JSON logger writing to stdout, level from LOG_LEVEL.
func NewLogger(prefix string) Logger {
	return &zapLogger{newZap(os.Getenv("LOG_LEVEL")).Named(prefix).Sugar()}
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}

func newZap(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	enc := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}
