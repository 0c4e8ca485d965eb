package storage

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/Gopher0727/InviteTracker/config"
)

// Open 按 database.driver 选择存储引擎
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return InitSQLite(cfg.Path)
	case "postgres":
		pg := cfg.Postgres
		return InitPostgres(BuildDSN(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName), pg.MaxIdleConns, pg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
