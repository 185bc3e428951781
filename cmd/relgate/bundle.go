package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bigredeye/relgate/internal/launch"
)

func makeBundleInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bundle.tar.gz>",
		Short: "Print the run recorded in an evidence bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := launch.ReadBundle(args[0])
			if err != nil {
				return err
			}

			printRun(bundle.Run)
			fmt.Println("Files:")
			for _, entry := range bundle.Entries {
				fmt.Printf("  %-40s %s\n", entry.Name, units.HumanSize(float64(entry.Size)))
			}
			return nil
		},
	}
}
