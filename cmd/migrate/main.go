// Command migrate manages the schema of the PostgreSQL user store.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/vulntrack/internal/config"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "./migrations", "Directory holding the migration files")
	)
	flag.Parse()

	if err := run(*command, *dir, *steps, *version); err != nil {
		slog.Error("migrate", "command", *command, "error", err)
		os.Exit(1)
	}
}

func run(command, dir string, steps int, version uint) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DBAdapter != "postgres" {
		return fmt.Errorf("migrations only apply to PostgreSQL, DB_ADAPTER is %s", cfg.DBAdapter)
	}
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		return err
	}

	m, db, err := open(dir, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	switch command {
	case "up":
		if err := move(m, steps, true); err != nil {
			return err
		}
		fmt.Println("migrations applied")
	case "down":
		if err := move(m, steps, false); err != nil {
			return err
		}
		fmt.Println("migrations rolled back")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migration applied")
			return nil
		}
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d)", v)
		}
		fmt.Printf("current migration version: %d\n", v)
	case "force":
		if version == 0 {
			return errors.New("force needs -version")
		}
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("forcing version: %w", err)
		}
		fmt.Printf("forced database to version %d\n", version)
	default:
		return fmt.Errorf("unknown command %q (supported: up, down, version, force)", command)
	}
	return nil
}

func move(m *migrate.Migrate, steps int, up bool) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func open(dir, dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, db, nil
}
