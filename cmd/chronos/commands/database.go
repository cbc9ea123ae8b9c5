package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/db"
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
)

// loadConfig reads the file named by --config, or the merged
// system/user/project configuration when the flag is unset.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *am.Config
		err error
	)
	if path != "" {
		cfg, err = am.LoadFromFile(path)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured job database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// withDatabase loads the configuration, opens the database and closes it
// once fn returns.
func withDatabase(cmd *cobra.Command, fn func(cfg *am.Config, database *sql.DB) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(cfg, database)
}
