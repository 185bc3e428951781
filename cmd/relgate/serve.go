package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/config"
	"github.com/bigredeye/relgate/internal/web"
	zlog "github.com/bigredeye/relgate/pkg/log"
)

func makeServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serverLogger(conf *config.Config) *zap.Logger {
	switch {
	case conf.Log.File != "":
		return zlog.InitFile(zlog.FileOptions{
			Path:       conf.Log.File,
			MaxSizeMB:  conf.Log.MaxSizeMB,
			MaxBackups: conf.Log.MaxBackups,
			MaxAgeDays: conf.Log.MaxAgeDays,
		})
	case conf.Log.Dev:
		return zlog.InitDev()
	default:
		return zlog.InitProd()
	}
}

func serve() error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	logger := serverLogger(conf)
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return web.Run(ctx, conf, logger)
}
