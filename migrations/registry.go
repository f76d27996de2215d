package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	issuance "github.com/goliatone/go-issuance"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	schemaRoot = "data/sql/migrations"
)

// Source is the issuance schema tree for one SQL dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc receives the schema tree of one dialect, typically to pass it
// to a persistence client.
type RegisterFunc func(ctx context.Context, source Source) error

// NormalizeDialect maps driver names to the dialect of their schema tree.
func NormalizeDialect(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case DialectPostgres, "pg", "pgx":
		return DialectPostgres, nil
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", name)
	}
}

// Sources resolves the postgres tree and its sqlite variant from root, or
// from the embedded schema when root is nil. Each tree must hold at least one
// up migration.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = issuance.GetCoreMigrationsFS()
	}
	postgres, err := fs.Sub(root, schemaRoot)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", schemaRoot, err)
	}
	sqlite, err := fs.Sub(postgres, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite tree: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: schemaRoot, FS: postgres},
		{Dialect: DialectSQLite, Path: schemaRoot + "/" + DialectSQLite, FS: sqlite},
	}
	for _, source := range sources {
		ups, err := fs.Glob(source.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: list %s: %w", source.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s has no up migrations", source.Path)
		}
	}
	return sources, nil
}

// Register hands the embedded schema of each requested dialect to fn. With no
// dialects every tree is registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) ([]Source, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(dialects))
	for _, name := range dialects {
		dialect, err := NormalizeDialect(name)
		if err != nil {
			return nil, err
		}
		wanted[dialect] = true
	}

	registered := make([]Source, 0, len(sources))
	for _, source := range sources {
		if len(wanted) > 0 && !wanted[source.Dialect] {
			continue
		}
		if err := fn(ctx, source); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", source.Dialect, err)
		}
		registered = append(registered, source)
	}
	return registered, nil
}
