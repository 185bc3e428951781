package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/manifest"
)

func makeValidateCommand() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline manifest without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(manifestPath)
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "relgate.yaml", "Pipeline manifest (.yaml or .hcl)")

	return cmd
}

func validate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	pipeline, err := m.Pipeline()
	if err != nil {
		return err
	}

	c := controller.New(pipeline.Stages, pipeline.Config, nil, controller.WithLogger(log))
	if err := c.Validate(); err != nil {
		return err
	}

	fmt.Printf("Pipeline %s is valid: %d stages\n", pipeline.Config.Pipeline, len(pipeline.Stages))
	fmt.Printf("Gate requires: %s\n", strings.Join(c.Required(), ", "))
	if pipeline.Config.Publish != "" {
		fmt.Printf("Publishes with %s, tags: %s\n", pipeline.Config.Publish, strings.Join(pipeline.Config.Tags, ", "))
	}
	return nil
}
