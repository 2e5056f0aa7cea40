package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/model"
)

// InitDB 按配置打开数据库并执行迁移
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "sqlite" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 建表及补充索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.NewsfeedEntry{},
		&model.FollowEdge{},
		&model.GroupFollowCounter{},
		&model.Job{},
		&model.Content{},
		&model.ContentGroup{},
		&model.ContentGroupSnapshot{},
		&model.GroupMember{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// 幂等键只在未完成任务中唯一；完成/死信后允许同一键再次入队
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_idempotency
		ON jobs (queue, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'running')`).Error; err != nil {
		return fmt.Errorf("create idempotency index: %w", err)
	}
	return nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
