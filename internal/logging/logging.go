package logging

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Output is one JSON record per line so the
// log pipeline can index fields directly. LOG_LEVEL=debug enables debug.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("LOG_LEVEL") == "debug" {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// CorrelationID returns the given id, or mints a fresh one when absent.
// Every log record produced while handling one external request carries the
// same id.
func CorrelationID(existing string) string {
	if existing != "" {
		return existing
	}
	return uuid.NewString()
}

// WithRequest returns a child logger bound to one external request.
func WithRequest(log *zap.Logger, correlationID, userID string) *zap.Logger {
	return log.With(
		zap.String("correlation_id", correlationID),
		zap.String("tenant", userID),
	)
}
