// Package migrations embeds the PostgreSQL schema files and applies them.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"

	"go.uber.org/zap"
)

// Files holds every *.sql migration, applied in filename order
//
//go:embed *.sql
var Files embed.FS

// Migration is one schema file
type Migration struct {
	Filename string
	SQL      string
	Checksum string
}

// Load reads every *.sql file of fsys sorted by filename
// マイグレーションファイルをファイル名順に読み込み
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("ファイル読み込みエラー %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Filename: name,
			SQL:      string(content),
			Checksum: Checksum(content),
		})
	}
	return migrations, nil
}

// Checksum returns the hex SHA-256 of a migration file
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Migrator applies migrations once each, recording them in schema_migrations
// マイグレーションを1回ずつ適用し、schema_migrationsに記録する
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator creates a migrator over db
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger}
}

// Run applies every pending migration. A previously applied file whose
// checksum changed aborts the run.
// 未適用のマイグレーションを実行（適用済みファイルの変更を検出した場合は中断）
func (m *Migrator) Run(ctx context.Context, migrations []Migration) (int, error) {
	if err := m.createTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	count := 0
	for _, mig := range migrations {
		if checksum, ok := applied[mig.Filename]; ok {
			if checksum != mig.Checksum {
				return count, fmt.Errorf("適用済みマイグレーション %s が変更されています", mig.Filename)
			}
			m.logger.Debug("スキップ (実行済み)", zap.String("filename", mig.Filename))
			continue
		}

		m.logger.Info("マイグレーション実行中", zap.String("filename", mig.Filename))
		if err := m.apply(ctx, mig); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *Migrator) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT filename, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		applied[filename] = checksum
	}
	return applied, rows.Err()
}

// apply runs one migration and its history row in a single transaction
func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", mig.Filename, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("マイグレーション実行エラー %s: %w", mig.Filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		mig.Filename, mig.Checksum,
	); err != nil {
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", mig.Filename, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", mig.Filename, err)
	}

	m.logger.Info("マイグレーション完了", zap.String("filename", mig.Filename))
	return nil
}
