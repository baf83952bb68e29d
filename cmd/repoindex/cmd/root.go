package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/repoindex/repoindex/internal/common"
	commonconfig "github.com/repoindex/repoindex/internal/common/config"
	"github.com/repoindex/repoindex/internal/pipeline"
)

const CustomConfigLocation string = "config"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "repoindex",
		SilenceUsage: true,
		Short:        "Ingests repository event streams into a partitioned log and indexes them",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		cursorCmd(),
		partitionCmd(),
		migrateDbCmd(),
	)

	return cmd
}

func loadConfig(flags *pflag.FlagSet) (pipeline.Configuration, error) {
	var config pipeline.Configuration
	userSpecifiedConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}
	if err := common.LoadConfig(&config, common.DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	common.ConfigureLogging(config.Logging.Format, config.Logging.Level)
	return config, nil
}
