// Package journal keeps an optional audit trail of mapping refresh runs and
// routing decisions in SQLite or PostgreSQL. The mapping itself is never
// persisted; the journal is write-mostly history for operators.
package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"

	// writeTimeout bounds each journal insert so a slow database cannot
	// hold up refresh or webhook goroutines.
	writeTimeout = 2 * time.Second
)

// Journal records refresh runs and routing decisions.
type Journal struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the journal database and runs pending migrations. A DSN
// starting with postgres:// or postgresql:// uses pgx; anything else is
// treated as a SQLite file path.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	driver, source, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}

	switch driver {
	case driverSQLite:
		// SQLite performs best with a single writer connection.
		db.SetMaxOpenConns(1)
	case driverPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	j := &Journal{db: db, driver: driver, logger: logger}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running journal migrations: %w", err)
	}

	logger.Info("journal_opened", "driver", driver)
	return j, nil
}

func resolveDSN(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("journal dsn is empty")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, "file:") {
		return driverSQLite, dsn, nil
	}

	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", "", fmt.Errorf("creating journal directory: %w", err)
		}
	}
	source = fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dsn)
	return driverSQLite, source, nil
}

// Driver returns the database/sql driver name in use.
func (j *Journal) Driver() string {
	return j.driver
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (j *Journal) rebind(query string) string {
	if j.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate runs all pending SQL migration files in order.
func (j *Journal) migrate() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Name() < entries[k].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := j.db.QueryRow(j.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec(j.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		j.logger.Info("migration_applied", "version", version)
	}

	return nil
}

func newID() string {
	return uuid.NewString()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
