package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "carbon-registry"

// NewLogger returns the process logger writing JSON to stdout. Unknown
// levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	return New(level, zapcore.Lock(os.Stdout)), nil
}

// New builds a logger on out. Repeated identical messages above debug are
// sampled per second so a failing dependency cannot flood the output.
func New(level string, out zapcore.WriteSyncer) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zapcore.InfoLevel)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	var core zapcore.Core = zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, lvl)
	if !lvl.Enabled(zapcore.DebugLevel) {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	)
}
