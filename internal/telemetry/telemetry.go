// Package telemetry is the client's structured logging facade. It keeps
// the shape of the teacher's log_service.LogService interface (a small
// set of leveled methods taking a message plus key/value metadata) but
// backs it with zap instead of a hand-rolled file writer, since zap is
// already a real dependency of this module's stack.
package telemetry

import (
	"go.uber.org/zap"
)

// Logger is the interface every package in this module logs through.
// The "component" field that Component attaches identifies which client
// subsystem (dispatcher, client, monitor, ...) emitted the event, mirroring the teacher's
// LogEvent.NodeID field repurposed to this client's vocabulary.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

// New builds a production zap logger writing structured JSON to stderr.
func New() (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewDevelopment builds a human-readable console logger, for cmd/osdc's
// default local-run mode.
func NewDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// Component returns a child logger tagged with a component name, the
// way the teacher's LogEvent carried a NodeID for every event.
func Component(l Logger, name string) Logger {
	return l.With(zap.String("component", name))
}
