package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pressly/goose/v3"
)

const (
	ServiceOrders   = "orders"
	ServicePayments = "payments"

	// DefaultDir is where create/validate find the SQL files on disk.
	DefaultDir = "pkg/migrate/migrations"
)

//go:embed migrations
var embedded embed.FS

// goose keeps dialect and filesystem in package globals
var gooseMu sync.Mutex

// Dir returns the embedded migration directory for service.
func Dir(service string) (string, error) {
	switch service {
	case ServiceOrders, ServicePayments:
		return path.Join("migrations", service), nil
	default:
		return "", fmt.Errorf("unknown service %q (expected %s|%s)", service, ServiceOrders, ServicePayments)
	}
}

// SourceDir returns the on-disk directory for service under root.
func SourceDir(root, service string) (string, error) {
	if _, err := Dir(service); err != nil {
		return "", err
	}
	return filepath.Join(root, service), nil
}

func gooseDialect(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func prepare(dialect, service string) (string, error) {
	dir, err := Dir(service)
	if err != nil {
		return "", err
	}
	name, err := gooseDialect(dialect)
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect(name); err != nil {
		return "", fmt.Errorf("set goose dialect: %w", err)
	}
	return dir, nil
}

// Run executes a standard goose command against the embedded migrations of service.
func Run(ctx context.Context, db *sql.DB, dialect, service, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := prepare(dialect, service)
	if err != nil {
		return err
	}
	// RunContext prints status output to stdout (goose internal)
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB, dialect, service string) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("db is required")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if _, err := prepare(dialect, service); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}

// MigrateToVersion migrates up/down to the requested version by comparing current DB version.
func MigrateToVersion(ctx context.Context, db *sql.DB, dialect, service, targetVersion string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if targetVersion == "" {
		return fmt.Errorf("targetVersion is required")
	}
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", targetVersion, err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := prepare(dialect, service)
	if err != nil {
		return err
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current == target:
		return nil

	case current < target:
		if err := goose.UpToContext(ctx, db, dir, target); err != nil {
			return fmt.Errorf("goose up-to %d: %w", target, err)
		}
		return nil

	default:
		if err := goose.DownToContext(ctx, db, dir, target); err != nil {
			return fmt.Errorf("goose down-to %d: %w", target, err)
		}
		return nil
	}
}
