package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty or unknown level falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with the operation and the blob it acts on.
func WithOperation(logger *zap.Logger, operation, blobID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if blobID != "" {
		fields = append(fields, zap.String("blob_id", blobID))
	}
	return logger.With(fields...)
}
