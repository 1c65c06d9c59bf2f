package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mwmbl/post/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one bundled schema change, identified by the numeric
// prefix of its filename.
type migration struct {
	version string
	name    string
}

// Migrate applies any bundled migrations not yet recorded in
// schema_migrations. A nil logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	pending, err := bundledMigrations()
	if err != nil {
		return err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range pending {
		if applied[m.version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", m.name,
					"version", m.version,
				)
			}
			continue
		}
		if logger != nil {
			logger.Infow("Applying migration",
				"migration", m.name,
				"version", m.version,
			)
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		ran++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"applied", ran,
			"bundled", len(pending),
		)
	}
	return nil
}

// bundledMigrations lists the embedded .sql files in version order.
// Migration 000 creates the schema_migrations table itself, so it must
// sort first.
func bundledMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, _, _ := strings.Cut(entry.Name(), "_")
		out = append(out, migration{version: version, name: entry.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// appliedVersions reads the set of recorded versions. A missing
// schema_migrations table means a fresh database: nothing applied yet.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return map[string]bool{}, nil
		}
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		applied[version] = true
	}
	return applied, errors.Wrap(rows.Err(), "read applied migrations")
}

// applyMigration executes one migration and records it, atomically.
func applyMigration(db *sql.DB, m migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.name)
	}
	return nil
}
