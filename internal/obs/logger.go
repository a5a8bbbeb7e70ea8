// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a production JSON logger. When file is non-empty the log
// stream is duplicated into a size-rotated file next to stderr.
func NewLogger(level, file string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if file == "" {
		return log, nil
	}
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(enc, rotated, lvl)
	return log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}

// Convenience typed fields
func String(k, v string) zap.Field      { return zap.String(k, v) }
func Int(k string, v int) zap.Field     { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field { return zap.Int64(k, v) }
func Bool(k string, v bool) zap.Field   { return zap.Bool(k, v) }
func Err(err error) zap.Field           { return zap.Error(err) }
