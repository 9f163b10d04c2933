// Package migrations versions the run ledger schema. Scripts live under sql/
// as NNNNNN_name.up.sql / NNNNNN_name.down.sql pairs and are embedded at build
// time.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "dbtgen_schema_migrations"
	scriptDir      = "sql"
)

var scriptFilePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Runner applies and reverts ledger schema versions against a Postgres pool.
type Runner struct {
	scripts fs.FS
}

func NewRunner() *Runner {
	return &Runner{scripts: embeddedFS}
}

// NewRunnerWithFS reads scripts from fsys instead of the embedded set.
func NewRunnerWithFS(fsys fs.FS) *Runner {
	return &Runner{scripts: fsys}
}

// Status describes one known schema version and whether the ledger has it.
type Status struct {
	Version int64
	Name    string
	Applied bool
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

type transition struct {
	verb      string
	script    string
	bookkeep  string
	migration migration
}

// Up applies pending versions in ascending order. steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	known, applied, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, m := range known {
		if applied[m.Version] {
			continue
		}
		if steps > 0 && done == steps {
			break
		}
		step := transition{
			verb:      "apply",
			script:    m.UpSQL,
			bookkeep:  `INSERT INTO ` + migrationTable + ` (version) VALUES ($1)`,
			migration: m,
		}
		if err := step.run(ctx, db); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Down reverts the newest applied versions. steps <= 0 reverts one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	steps = max(steps, 1)
	known, applied, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}

	byVersion := make(map[int64]migration, len(known))
	for _, m := range known {
		byVersion[m.Version] = m
	}
	newestFirst := make([]int64, 0, len(applied))
	for version := range applied {
		newestFirst = append(newestFirst, version)
	}
	slices.SortFunc(newestFirst, func(a, b int64) int { return cmp.Compare(b, a) })

	done := 0
	for _, version := range newestFirst {
		if done == steps {
			break
		}
		m, ok := byVersion[version]
		if !ok {
			return done, fmt.Errorf("ledger schema version %d has no script on disk", version)
		}
		step := transition{
			verb:      "revert",
			script:    m.DownSQL,
			bookkeep:  `DELETE FROM ` + migrationTable + ` WHERE version = $1`,
			migration: m,
		}
		if err := step.run(ctx, db); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Status lists every known version in ascending order.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	known, applied, err := r.prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(known))
	for i, m := range known {
		out[i] = Status{Version: m.Version, Name: m.Name, Applied: applied[m.Version]}
	}
	return out, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB) ([]migration, map[int64]bool, error) {
	known, err := loadMigrations(r.scripts)
	if err != nil {
		return nil, nil, err
	}
	const bookkeeping = `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", migrationTable, err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return known, applied, nil
}

func (t transition) run(ctx context.Context, db *sql.DB) error {
	version := t.migration.Version
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s %06d_%s: begin: %w", t.verb, version, t.migration.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, t.script); err != nil {
		return fmt.Errorf("%s %06d_%s: %w", t.verb, version, t.migration.Name, err)
	}
	if _, err := tx.ExecContext(ctx, t.bookkeep, version); err != nil {
		return fmt.Errorf("%s %06d_%s: record version: %w", t.verb, version, t.migration.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s %06d_%s: commit: %w", t.verb, version, t.migration.Name, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int64]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("read applied ledger versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]bool{}
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan ledger version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// loadMigrations pairs up/down scripts by version. Files that do not follow the
// naming scheme are ignored; a version missing either half is an error.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, scriptDir)
	if err != nil {
		return nil, fmt.Errorf("list ledger scripts: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		parts := scriptFilePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ledger script %q: bad version: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, scriptDir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ledger script %q: %w", entry.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if parts[3] == "up" {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		switch {
		case strings.TrimSpace(m.UpSQL) == "":
			return nil, fmt.Errorf("migration %d missing up SQL", m.Version)
		case strings.TrimSpace(m.DownSQL) == "":
			return nil, fmt.Errorf("migration %d missing down SQL", m.Version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
