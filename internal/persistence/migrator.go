package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"EqualisLedger/internal/observability"
	"EqualisLedger/migrations"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock that serializes migrators across
// processes (ASCII "EQLSMIGR").
const migrationLockID int64 = 0x45514c534d494752

// Migrator applies numbered SQL files, golang-migrate style:
// {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from dir, or from the set compiled into the
// binary when dir is empty.
func NewMigrator(db *sql.DB, dir string) *Migrator {
	var source fs.FS = migrations.FS
	if dir != "" {
		source = os.DirFS(dir)
	}
	return NewMigratorFS(db, source)
}

func NewMigratorFS(db *sql.DB, source fs.FS) *Migrator {
	return &Migrator{db: db, source: source, logger: observability.NewLogger("migrate")}
}

type migration struct {
	Version string
	Up      string
	Down    string
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version   string
	Filename  string
	AppliedAt *time.Time
}

// Status lists every known migration with its applied time.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	all, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []MigrationStatus
	err = m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(all))
		for _, mig := range all {
			st := MigrationStatus{Version: mig.Version, Filename: mig.Up}
			if at, ok := applied[mig.Version]; ok {
				st.AppliedAt = &at
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// Up applies every pending migration in version order, each in its own
// transaction.
func (m *Migrator) Up(ctx context.Context) error {
	all, err := m.load()
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if _, ok := applied[mig.Version]; ok {
				continue
			}
			if err := m.exec(ctx, conn, mig.Up,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.Version, mig.Up,
			); err != nil {
				return err
			}
			m.logger.Info().Str("version", mig.Version).Str("file", mig.Up).Msg("applied migration")
		}
		return nil
	})
}

// Down reverts the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	all, err := m.load()
	if err != nil {
		return err
	}
	byVersion := make(map[string]migration, len(all))
	for _, mig := range all {
		byVersion[mig.Version] = mig
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		mig, ok := byVersion[version]
		if !ok || mig.Down == "" {
			return fmt.Errorf("no down migration for version %s", version)
		}
		if err := m.exec(ctx, conn, mig.Down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("file", mig.Down).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("migrate: ensure table: %w", err)
	}
	return fn(conn)
}

// exec runs one migration file and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	body, err := fs.ReadFile(m.source, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	return tx.Commit()
}

// load pairs up and down files by version. A version without an up file
// is an error; a missing down file only matters to Down.
func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &migration{Version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mig.Up = name
		case strings.HasSuffix(name, ".down.sql"):
			mig.Down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration %s: no up file", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func appliedAt(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		out[v] = at
	}
	return out, rows.Err()
}
