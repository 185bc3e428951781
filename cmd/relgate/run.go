package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/database"
	"github.com/bigredeye/relgate/internal/launch"
	"github.com/bigredeye/relgate/internal/models"
)

const (
	exitDenied = 2
	exitFailed = 3
)

func makeRunCommand() *cobra.Command {
	var manifestPath string
	var dir string
	var tags []string
	var bundle string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline and publish if the gate admits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), manifestPath, dir, tags, bundle)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "", "Pipeline manifest (.yaml or .hcl)")
	cmd.Flags().StringVar(&dir, "dir", "", "Workspace directory the stages run in")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Publish tags, overriding the manifest")
	cmd.Flags().StringVar(&bundle, "bundle", "", "Write an evidence bundle (tar.gz) to this path")

	return cmd
}

func runPipeline(ctx context.Context, manifestPath, dir string, tags []string, bundle string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if manifestPath != "" {
		conf.Workspace.Manifest = manifestPath
	}
	if dir != "" {
		conf.Workspace.Dir = dir
	}

	var recorder controller.Recorder
	if conf.HasDataBase() {
		db, err := database.OpenDataBase(log, conf.DataBaseDSN())
		if err != nil {
			return errors.Wrap(err, "Failed to open database")
		}
		recorder = db
	}

	launcher, err := launch.NewLauncher(conf, log, recorder)
	if err != nil {
		return err
	}
	pipeline, err := launcher.Load()
	if err != nil {
		return err
	}
	c, err := launcher.New(pipeline, tags)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, runErr := c.Run(ctx)
	c.Wait()
	run = c.Snapshot()

	if bundle != "" {
		if err := launch.WriteBundle(bundle, run, launcher.Logs); err != nil {
			log.Error("Failed to write evidence bundle", zap.Error(err))
		} else {
			log.Info("Wrote evidence bundle", zap.String("path", bundle))
		}
	}

	printRun(run)
	return runResult(run, runErr)
}

// runResult maps a finished run to the command error and its exit code.
func runResult(run *controller.Run, runErr error) error {
	switch {
	case run.State == models.RunStateAborted:
		if runErr == nil {
			runErr = errors.Errorf("Run aborted: %s", run.Error)
		}
		return &exitError{exitFailed, runErr}
	case runErr != nil:
		return runErr
	case run.State == models.RunStateDenied:
		return &exitError{exitDenied, errors.Errorf("Gate denied: %s", run.Decision)}
	case run.State != models.RunStatePublished:
		return &exitError{exitFailed, errors.Errorf("Run %s: %s", run.State, run.Error)}
	}
	return nil
}

func printRun(run *controller.Run) {
	fmt.Printf("Run %s (%s): %s\n", run.ID, run.Pipeline, run.State)
	for _, record := range run.Records {
		o := record.Outcome
		late := ""
		if record.Late {
			late = " (late)"
		}
		fmt.Printf("  %3d %-20s %-8s %6s  %s%s\n", record.Seq, o.Stage, o.Status, o.Duration().Round(100*time.Millisecond), o.Message, late)
	}
	if run.Decision != nil {
		fmt.Printf("Gate: %s\n", run.Decision)
	}
	if run.Artifact != "" {
		fmt.Printf("Artifact: %s\n", run.Artifact)
	}
}
