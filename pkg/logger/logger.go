package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerConfig struct {
	Debug bool `json:"debug" yaml:"debug"`

	// FilePath, when set, tees every entry into a size-rotated file.
	FilePath   string `json:"filePath" yaml:"filePath"`
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
}

func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &LoggerConfig{}
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	if cfg.FilePath == "" {
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = level
		zapConfig.EncoderConfig.TimeKey = "ts"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapConfig.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(fileWriter), level),
	)

	return zap.New(core, zap.AddCaller()), nil
}
