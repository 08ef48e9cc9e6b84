package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level can be changed at run time.
var Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

type Factory struct {
	base *zap.Logger
}

// NewFactory builds the process logger. encoding is "console" or "json".
func NewFactory(level, encoding string) (*Factory, error) {
	if err := Level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		Level.SetLevel(zapcore.InfoLevel)
	}
	if encoding != "json" {
		encoding = "console"
	}

	levelEncoder := zapcore.CapitalColorLevelEncoder
	if encoding == "json" {
		levelEncoder = zapcore.LowercaseLevelEncoder
	}

	cfg := zap.Config{
		Level:            Level,
		Development:      false,
		Encoding:         encoding,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "name",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Factory{base: logger}, nil
}

// FromLogger wraps an existing logger, mostly for tests.
func FromLogger(logger *zap.Logger) *Factory {
	return &Factory{base: logger}
}

func (f *Factory) Create(name string) *zap.Logger {
	return f.base.Named(name)
}

func (f *Factory) Sync() error {
	return f.base.Sync()
}
