// Package logging builds the zap loggers shared by the server and the
// operator tools.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	// Service is stamped on every line so the server, the agent simulator
	// and the tools can share one log sink.
	Service string
	// Console switches to the human-readable encoder for local runs.
	Console bool
}

// ParseLevel accepts the zap level names plus "warning". An empty string
// means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

func encoderConfig(console bool) zapcore.EncoderConfig {
	if !console {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		return ec
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return ec
}

func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig = encoderConfig(cfg.Console)
	if cfg.Console {
		zcfg.Encoding = "console"
		zcfg.Sampling = nil
	}
	if cfg.Service != "" {
		zcfg.InitialFields = map[string]any{"service": cfg.Service}
	}

	return zcfg.Build()
}
