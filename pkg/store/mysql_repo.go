// 文件: pkg/store/mysql_repo.go
// 快照 MySQL 存储实现 (GORM)

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"perpcalc.com/pkg/config"
)

var _ SnapshotRepository = (*MySQLSnapshotRepository)(nil)

// OpenMySQL 建立连接池，按配置自动迁移表结构
func OpenMySQL(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return db, nil
}

// MySQLSnapshotRepository MySQL 实现
type MySQLSnapshotRepository struct {
	db *gorm.DB
}

func NewMySQLSnapshotRepository(db *gorm.DB) *MySQLSnapshotRepository {
	return &MySQLSnapshotRepository{db: db}
}

// Get 根据 symbol 查询
func (r *MySQLSnapshotRepository) Get(ctx context.Context, symbol string) (*Snapshot, error) {
	var row MarketSnapshot
	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return row.toSnapshot(), nil
}

// Save 乐观锁写入
//
// Version == 0: INSERT，主键冲突说明别人已经建过
// Version > 0:  UPDATE ... WHERE version = ?，影响 0 行说明被别人改过
func (r *MySQLSnapshotRepository) Save(ctx context.Context, s *Snapshot, history *FundingHistory) error {
	now := time.Now().UnixMilli()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := newMarketSnapshot(s)
		row.Version = s.Version + 1
		row.UpdatedAt = now

		if s.Version == 0 {
			row.CreatedAt = now
			if err := tx.Create(row).Error; err != nil {
				if isDuplicateKeyError(err) {
					return ErrVersionConflict
				}
				return err
			}
		} else {
			result := tx.Model(&MarketSnapshot{}).
				Where("symbol = ? AND version = ?", s.Symbol, s.Version).
				Select("*").
				Omit("symbol", "created_at").
				Updates(row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrVersionConflict
			}
		}

		if history != nil {
			if history.CreatedAt == 0 {
				history.CreatedAt = now
			}
			if err := tx.Create(history).Error; err != nil {
				return fmt.Errorf("append funding history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Version++
	s.UpdatedAt = now
	return nil
}

// ListHistory 按时间倒序
func (r *MySQLSnapshotRepository) ListHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingHistory, error) {
	var rows []FundingHistory
	q := r.db.WithContext(ctx).
		Where("symbol = ? AND timestamp >= ?", symbol, since).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// isDuplicateKeyError 判断是否为重复键错误
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// MySQL error code 1062 = Duplicate entry
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "1062")
}
