package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/pipeline"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the ingestion and indexing roles",
		RunE:  runPipeline,
	}
	cmd.Flags().StringSlice("roles", nil, "Roles to run: firehose, backfill, repo-backfill, indexer (default all)")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	names, err := cmd.Flags().GetStringSlice("roles")
	if err != nil {
		return err
	}
	roles, err := pipeline.ParseRoles(names)
	if err != nil {
		return err
	}
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	log.AddHook(logging.NewPrometheusHook(prometheus.DefaultRegisterer))
	return pipeline.Run(config, roles)
}
