// Package logger wraps zap with rotation and a process-wide default logger.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Han-Qiu/sora2api/internal/config"
)

var (
	mu          sync.RWMutex
	base        = zap.NewNop()
	sugar       = base.Sugar()
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the global logger from config. Safe to call once at startup.
func Init(cfg config.LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel.SetLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core
	if cfg.Output.ToStdout {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), atomicLevel))
	}
	if cfg.Output.ToFile {
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output.FilePath,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotator), atomicLevel))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), atomicLevel))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	base = l
	sugar = l.Sugar()
	mu.Unlock()
	return nil
}

// SetLevel adjusts the level at runtime (admin debug toggle).
func SetLevel(level zapcore.Level) { atomicLevel.SetLevel(level) }

func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

func Debugf(format string, args ...any) { s().Debugf(format, args...) }
func Infof(format string, args ...any)  { s().Infof(format, args...) }
func Warnf(format string, args ...any)  { s().Warnf(format, args...) }
func Errorf(format string, args ...any) { s().Errorf(format, args...) }

func s() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}
