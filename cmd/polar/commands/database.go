package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/polar/am"
	"github.com/teranos/polar/db"
	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
)

// databasePath resolves --db, then database.path from am.
func databasePath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		return path, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		path = am.DefaultDatabasePath
	}
	return path, nil
}

// openDatabase opens and migrates the database the command targets.
func openDatabase(cmd *cobra.Command) (*sql.DB, string, error) {
	path, err := databasePath(cmd)
	if err != nil {
		return nil, "", err
	}

	conn, err := db.OpenWithMigrations(path, logger.AddDBSymbol(logger.Logger))
	if err != nil {
		return nil, "", err
	}
	return conn, path, nil
}
