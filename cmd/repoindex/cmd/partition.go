package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/pipeline"
)

func partitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partition <did>...",
		Short: "Prints the partition stream each repository is routed to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return printPartitions(cmd.OutOrStdout(), config.Log, args)
		},
	}
}

func printPartitions(out io.Writer, config pipeline.LogConfig, dids []string) error {
	for _, did := range dids {
		p := partition.ForRepo(did, config.PartitionCount)
		if _, err := fmt.Fprintf(out, "%s\t%d\t%s\n", did, p, partition.Stream(config.StreamPrefix, p)); err != nil {
			return err
		}
	}
	return nil
}
