package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/repoindex/repoindex/internal/common/database"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/indexer/pgindex"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the index database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := logctx.Background()
	start := time.Now()
	log.Info("Beginning index database migration")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	migrations, err := pgindex.Migrations()
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return errors.WithMessage(err, "failed to migrate index database")
	}
	log.Infof("Index database migrated in %s", time.Since(start))
	return nil
}
