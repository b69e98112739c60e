package util

import (
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel accepts a zap level name ("debug", "warn") or its numeric value
// ("-1", "1"). Anything else yields info.
func ParseLevel(s string) zapcore.Level {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return zapcore.Level(n)
	}
	if lvl, err := zapcore.ParseLevel(strings.ToLower(s)); err == nil {
		return lvl
	}
	return zapcore.InfoLevel
}

func buildLogger(level zapcore.Level, fields ...zap.Field) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(fields...), nil
}

// NewLogger builds the process logger at the level named by LOG_LEVEL and
// installs it as the zap global. The returned func restores the previous
// global and flushes.
func NewLogger(fields ...zap.Field) (*zap.Logger, func()) {
	logger, err := buildLogger(ParseLevel(os.Getenv("LOG_LEVEL")), fields...)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
