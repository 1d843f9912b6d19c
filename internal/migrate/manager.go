// Package migrate applies the embedded SQL schema with golang-migrate.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"vecino.app/internal/obs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Manager runs schema migrations against one database.
type Manager struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager opens a migrator for a postgres:// DSN.
func NewManager(dsn string, opts ...Option) (*Manager, error) {
	dbURL, err := driverURL(dsn)
	if err != nil {
		return nil, err
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: init: %w", err)
	}
	mgr := &Manager{m: m, logger: obs.Logger()}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr, nil
}

// Up applies all pending migrations.
func (mg *Manager) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	mg.logVersion("migrations applied")
	return nil
}

// Down rolls back the most recent migration.
func (mg *Manager) Down() error {
	if err := mg.m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return errors.New("migrate: no migrations applied")
		}
		return fmt.Errorf("migrate: down: %w", err)
	}
	mg.logVersion("migration rolled back")
	return nil
}

// Version reports the applied schema version. ok is false on an empty database.
func (mg *Manager) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("migrate: version: %w", err)
	}
	return version, dirty, true, nil
}

// Close releases the source and database handles.
func (mg *Manager) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (mg *Manager) logVersion(msg string) {
	version, dirty, ok, err := mg.Version()
	if err != nil || !ok {
		mg.logger.Info(msg)
		return
	}
	mg.logger.Info(msg, slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}

// driverURL rewrites a postgres:// DSN to the pgx5:// scheme the migrate
// driver registers.
func driverURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("migrate: parse dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("migrate: unsupported dsn scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Files lists the embedded migration file names in order.
func Files() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}
