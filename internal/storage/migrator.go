package storage

import (
	"cmp"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change, NNN_name.sql on disk.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

type sqlRunner interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// Migrator applies the embedded migrations that schema_migrations does not
// list yet, lowest version first.
type Migrator struct {
	db     sqlRunner
	fsys   fs.FS
	logger *slog.Logger
}

func NewMigrator(client *Client, logger *slog.Logger) *Migrator {
	return newMigrator(client, logger)
}

func newMigrator(db sqlRunner, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &Migrator{db: db, fsys: sub, logger: logger}
}

// Run returns the number of migrations applied. On failure the count
// covers the migrations that completed before it.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	err := m.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    UInt32,
		name       String,
		applied_at DateTime DEFAULT now()
	) ENGINE = MergeTree() ORDER BY version`)
	if err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	all, err := loadMigrations(m.fsys)
	if err != nil {
		return 0, err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}

	n := 0
	for _, mig := range all {
		if done[mig.Version] {
			continue
		}
		m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)
		for _, stmt := range mig.Statements {
			if err := m.db.Exec(ctx, stmt); err != nil {
				return n, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
			}
		}
		err := m.db.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(mig.Version), mig.Name)
		if err != nil {
			return n, fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
		n++
	}
	return n, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// loadMigrations reads every NNN_name.sql at the root of fsys. Files that
// do not start with a number are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, file := range files {
		num, name, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		out = append(out, Migration{Version: version, Name: name, Statements: statements(string(body))})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// statements splits a SQL script on semicolons and drops "--" comments.
// Both are literal inside quoted strings, where a doubled quote escapes.
func statements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	rs := []rune(sql)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r != quote {
				break
			}
			if i+1 < len(rs) && rs[i+1] == quote {
				cur.WriteRune(quote)
				i++
			} else {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i+1 < len(rs) && rs[i+1] != '\n' {
				i++
			}
		case r == ';':
			emit()
		default:
			cur.WriteRune(r)
		}
	}
	emit()
	return out
}
