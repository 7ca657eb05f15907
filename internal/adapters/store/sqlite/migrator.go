package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator 负责执行内嵌 SQL 迁移脚本。
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Up 依次执行 migrations 目录下的 SQL 文件（文件名字典序）。
// 已执行的脚本记录在 schema_meta 的 "migration:<文件名>" 键中，重复调用会跳过。
func (m *Migrator) Up(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read embedded migrations")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		applied, err := m.applied(ctx, entry.Name())
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		raw, err := migrationFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", entry.Name())
		}
		if _, err := m.db.ExecContext(ctx, string(raw)); err != nil {
			return errors.Wrapf(err, "exec migration %s", entry.Name())
		}
		if _, err := m.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_meta(key, value) VALUES(?, ?)`,
			"migration:"+entry.Name(), time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return errors.Wrapf(err, "record migration %s", entry.Name())
		}
	}

	return nil
}

// applied 在 schema_meta 尚不存在（首次迁移）时返回 false。
func (m *Migrator) applied(ctx context.Context, name string) (bool, error) {
	var exists int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_meta'`,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "inspect sqlite_master")
	}
	if exists == 0 {
		return false, nil
	}

	var v string
	err = m.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, "migration:"+name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "query migration state %s", name)
	}
	return true, nil
}
