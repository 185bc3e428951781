package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigredeye/relgate/pkg/client/relgate"
)

var endpoint string

func newClient() (*relgate.Client, error) {
	return relgate.NewClient(endpoint, os.Getenv("RELGATE_TOKEN"))
}

func makeRunsListCommand() *cobra.Command {
	var pipeline string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(pipeline, limit)
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")

	return cmd
}

func listRuns(pipeline string, limit int) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	runs, err := client.ListRuns(pipeline, limit)
	if err != nil {
		return err
	}

	for _, run := range runs {
		fmt.Printf("%s  %-16s %-10s %-20s %s\n",
			run.ID, run.Pipeline, run.State, run.StartedAt.Format(time.RFC3339), strings.Join(run.DeniedBy, ","))
	}
	return nil
}

func makeRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			run, err := client.LoadRun(args[0])
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}
}

func makeRunsStartCommand() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			run, err := client.StartRun(tags)
			if err != nil {
				return err
			}
			fmt.Println(run.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Publish tags, overriding the manifest")

	return cmd
}

func makeRunsAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			run, err := client.AbortRun(args[0])
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}
}
