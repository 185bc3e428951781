package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.Logger

func InitProd() *zap.Logger {
	return initLogger(zap.NewProductionConfig())
}

func InitDev() *zap.Logger {
	return initLogger(zap.NewDevelopmentConfig())
}

type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitFile builds a production logger that also writes json lines into a
// rotating file.
func InitFile(opts FileOptions) *zap.Logger {
	base := initLogger(zap.NewProductionConfig())
	if opts.Path == "" {
		return base
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		writer,
		zap.InfoLevel,
	)

	logger = base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	zap.ReplaceGlobals(logger)
	return logger
}

func initLogger(config zap.Config) *zap.Logger {
	var err error
	logger, err = config.Build(zap.AddStacktrace(zap.WarnLevel))
	if err != nil {
		fmt.Printf("Failed to init zap logger: %v", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	return logger
}

func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
