// Package migrations 提供資料庫遷移功能
//
// 遷移檔以 embed 打包進二進位檔，部署時不需要額外帶 SQL 檔。
package migrations

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 建立新的遷移管理器
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up 執行所有待處理的遷移
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil {
		if err == migrate.ErrNoChange {
			m.logger.Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, _ := m.migrate.Version()
	m.logger.Info("database migrated", "version", version)
	return nil
}

// Down 回滾一個版本
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Version 獲取當前版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration db: %w", dbErr)
	}
	return nil
}
