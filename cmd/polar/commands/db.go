package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the polar database",
	Long: sym.DB + ` db - manage the polar database.

Examples:
  polar db migrate
  polar db status --db /var/lib/polar/polar.db`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations and table sizes",
	RunE:  runDbStatus,
}

func init() {
	addJSONFlag(dbStatusCmd)
	DbCmd.AddCommand(dbMigrateCmd, dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates on open.
	conn, path, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()
	pterm.Success.Printf("%s is up to date\n", path)
	return nil
}

// tableCounts are the tables reported by db status, in display order.
var tableCounts = []string{
	"polar_automation_jobs",
	"polar_run_events",
	"polar_scheduler_processed_events",
	"polar_scheduler_event_ledger",
	"polar_scheduler_retry_events",
	"polar_scheduler_dead_letter_events",
}

type dbStatus struct {
	Path       string           `json:"path"`
	Migrations []string         `json:"migrations"`
	Tables     map[string]int64 `json:"tables"`
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	conn, path, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	status := dbStatus{Path: path, Tables: map[string]int64{}}
	rows, err := conn.QueryContext(cmd.Context(), `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return errors.Wrap(err, "failed to read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return errors.Wrap(err, "failed to scan migration version")
		}
		status.Migrations = append(status.Migrations, v)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "error iterating migrations")
	}

	for _, table := range tableCounts {
		var n int64
		// table names come from the fixed list above
		if err := conn.QueryRowContext(cmd.Context(), `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		status.Tables[table] = n
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), status)
	}
	pterm.Info.Printf("Database %s (migrations %v)\n", status.Path, status.Migrations)
	tableRows := make([][]string, 0, len(tableCounts))
	for _, table := range tableCounts {
		tableRows = append(tableRows, []string{table, itoa(status.Tables[table])})
	}
	return printTable(cmd.OutOrStdout(), []string{"Table", "Rows"}, tableRows)
}
