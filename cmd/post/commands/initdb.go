package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mwmbl/post/db"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

// InitDBCmd represents the initdb command
var InitDBCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the database and apply pending migrations",
	Long: `Create the SQLite database at the configured path and bring its
schema up to date. Safe to run repeatedly; already-applied migrations
are skipped.

Examples:
  post initdb
  post --config /etc/post/post.toml initdb`,
	RunE: runInitDB,
}

func runInitDB(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer conn.Close()

	pterm.Success.Printf("Database ready at %s\n", cfg.Database.Path)
	return nil
}
