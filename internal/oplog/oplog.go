package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	"go.uber.org/zap"
)

// Logger adapts zap to the reward.OperationLogger contract so every
// state-changing domain operation emits one structured record.
type Logger struct {
	base *zap.Logger
}

// New wraps a zap logger.
func New(base *zap.Logger) *Logger {
	return &Logger{base: base.Named("reward")}
}

// LogOperation implements reward.OperationLogger.
func (logger *Logger) LogOperation(_ context.Context, entry reward.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.DeviceID.String() != "" {
		fields = append(fields, zap.String("device_id", entry.DeviceID.String()))
	}
	if entry.Token.String() != "" {
		fields = append(fields, zap.String("session_token", entry.Token.String()))
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source.String()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_sats", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Warn("operation", fields...)
		return
	}
	logger.base.Info("operation", fields...)
}
