package util

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mfa-service/internal/config"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the global logger once. Tests get a no-op logger; production
// logs sampled JSON with ISO8601 timestamps.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		if environment == config.EnvTest {
			globalLogger = zap.NewNop()
			return
		}

		var zcfg zap.Config
		if environment == config.EnvProduction {
			zcfg = zap.NewProductionConfig()
			zcfg.EncoderConfig.TimeKey = "timestamp"
			zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			zcfg.DisableStacktrace = true
			zcfg.Sampling = &zap.SamplingConfig{
				Initial:    100,
				Thereafter: 100,
			}
		} else {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		zcfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))

		zcfg.Encoding = "console"
		if format == "json" {
			zcfg.Encoding = "json"
		}
		zcfg.OutputPaths = []string{"stdout"}
		zcfg.ErrorOutputPaths = []string{"stderr"}

		var err error
		globalLogger, err = zcfg.Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}

		zap.ReplaceGlobals(globalLogger)
	})

	return globalLogger
}

// Get returns the global logger instance
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init(config.EnvProduction, "info", "json")
	}
	return globalLogger
}

// Sync flushes any buffered log entries
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// parseLogLevel accepts zap's level names plus "warning". Unknown values log at info.
func parseLogLevel(level string) zapcore.Level {
	if strings.EqualFold(level, "warning") {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Convenience methods
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error function for logging error messages
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Common field helpers
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

// ErrorField creates an error field (renamed to avoid conflict)
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

// Phone logs a phone number with its middle digits masked.
func Phone(value string) zap.Field {
	return zap.String("phone", MaskPhone(value))
}

// MaskPhone keeps the first four and last two characters of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "***"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}
