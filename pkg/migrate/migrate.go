// Package migrate runs plain-SQL schema migrations for the metadata index.
// Migration files live in an embedded filesystem, named
// NNN_description.sql, with "-- +migrate Up" and "-- +migrate Down"
// sections.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/config"
)

// Migrator applies schema migrations against the index database
type Migrator struct {
	db           *sql.DB
	migrationsFS fs.FS
	dir          string
}

// Migration is one parsed migration file
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// NewMigrator connects to the configured database
func NewMigrator(cfg *config.DatabaseConfig, migrationsFS fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Migrator{db: db, migrationsFS: migrationsFS, dir: dir}, nil
}

// Close releases the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}

// Up applies every pending migration in version order
func (m *Migrator) Up() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(mig); err != nil {
			return err
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down() error {
	if err := m.ensureTable(); err != nil {
		return err
	}

	var version int
	err := m.db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no migrations to roll back")
	}
	if err != nil {
		return fmt.Errorf("failed to find last migration: %w", err)
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version != version {
			continue
		}
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(mig.DownSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("rollback of migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to unrecord migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rollback: %w", err)
		}
		log.Info().Int("version", version).Str("name", mig.Name).Msg("migration rolled back")
		return nil
	}
	return fmt.Errorf("migration %d not found in migration files", version)
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(mig *Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(mig.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d failed: %w", mig.Version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
	}
	return tx.Commit()
}

func (m *Migrator) load() ([]*Migration, error) {
	entries, err := fs.ReadDir(m.migrationsFS, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		mig, err := m.parse(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid migration file")
			continue
		}
		migrations = append(migrations, mig)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) parse(filename string) (*Migration, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}

	var version int
	if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
		return nil, fmt.Errorf("failed to parse version from %s: %w", filename, err)
	}

	content, err := fs.ReadFile(m.migrationsFS, m.dir+"/"+filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	var up, down []string
	inDown := false
	for _, line := range strings.Split(string(content), "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			inDown = false
		case "-- +migrate Down":
			inDown = true
		default:
			if inDown {
				down = append(down, line)
			} else {
				up = append(up, line)
			}
		}
	}

	return &Migration{
		Version: version,
		Name:    strings.TrimSuffix(parts[1], ".sql"),
		UpSQL:   strings.Join(up, "\n"),
		DownSQL: strings.Join(down, "\n"),
	}, nil
}
