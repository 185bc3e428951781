package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bigredeye/relgate/internal/config"
)

var (
	log        *zap.Logger
	configPath string
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func unwrap[T any](value T, err error) T {
	check(err)
	return value
}

// exitError carries a process exit code for runs that finished without
// publishing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

var (
	rootCmd = &cobra.Command{
		Use:           "relgate",
		Short:         "Security-gated build and release pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs on a relgate server",
	}

	bundleCmd = &cobra.Command{
		Use:   "bundle",
		Short: "Work with evidence bundles",
	}
)

func initLogging() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.ConsoleSeparator = " "
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.StampMilli)
	log = unwrap(config.Build())
}

func initCommands() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Service config file (yaml, toml or json)")

	runsCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://localhost:8080", "relgate server address")
	runsCmd.AddCommand(makeRunsListCommand())
	runsCmd.AddCommand(makeRunsShowCommand())
	runsCmd.AddCommand(makeRunsStartCommand())
	runsCmd.AddCommand(makeRunsAbortCommand())
	bundleCmd.AddCommand(makeBundleInspectCommand())

	rootCmd.AddCommand(makeRunCommand())
	rootCmd.AddCommand(makeValidateCommand())
	rootCmd.AddCommand(makeServeCommand())
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(bundleCmd)
}

func loadConfig() (*config.Config, error) {
	return config.ParseConfig(configPath)
}

func init() {
	initLogging()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	_ = log.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err.Error())
		exit := &exitError{}
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}
