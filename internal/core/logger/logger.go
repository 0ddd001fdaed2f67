package logger

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Field = zap.Field

type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

func StringField(key, val string) Field { return zap.String(key, val) }
func ErrorField(key string, err error) Field { return zap.NamedError(key, err) }
func Int64Field(key string, val int64) Field { return zap.Int64(key, val) }
func IntField(key string, val int) Field { return zap.Int(key, val) }
func DurationField(key string, d time.Duration) Field { return zap.Duration(key, d) }
func AnyField(key string, val interface{}) Field { return zap.Any(key, val) }

// NewLogger writes info and below to logs/info.log and warnings and above to
// logs/error.log.
func NewLogger() (*zap.Logger, func()) {
	return NewFileLogger("logs")
}

func NewFileLogger(dir string) (*zap.Logger, func()) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic("failed to create log directory: " + err.Error())
	}

	infoFile, err := os.OpenFile(filepath.Join(dir, "info.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic("failed to open info log file: " + err.Error())
	}

	errorFile, err := os.OpenFile(filepath.Join(dir, "error.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic("failed to open error log file: " + err.Error())
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	infoCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(infoFile),
		zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl <= zapcore.InfoLevel
		}),
	)

	errorCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(errorFile),
		zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(infoCore, errorCore)

	logger := zap.New(core, zap.AddCaller())

	cleanup := func() {
		_ = logger.Sync()
		infoFile.Close()
		errorFile.Close()
	}

	return logger, cleanup
}

// NewNop discards everything. Used by tests.
func NewNop() Logger {
	return zap.NewNop()
}
