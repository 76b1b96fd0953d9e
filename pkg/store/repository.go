// 文件: pkg/store/repository.go
// 快照存储接口
//
// 业务层只依赖 SnapshotRepository:
//
//	mysqlRepo := store.NewMySQLSnapshotRepository(db)
//	repo := store.NewCachedSnapshotRepository(mysqlRepo, rdb, ttl)

package store

import (
	"context"
	"errors"
)

var (
	ErrSnapshotNotFound = errors.New("store: snapshot not found")
	ErrVersionConflict  = errors.New("store: snapshot version conflict")
)

// SnapshotRepository 快照与资金费历史存储
type SnapshotRepository interface {
	// Get 读取快照，不存在返回 ErrSnapshotNotFound
	Get(ctx context.Context, symbol string) (*Snapshot, error)

	// Save 写入快照 (乐观锁)，history 非空时在同一事务里追加一条历史
	// 成功后 s.Version 加一；版本不一致返回 ErrVersionConflict
	Save(ctx context.Context, s *Snapshot, history *FundingHistory) error

	// ListHistory 按时间倒序列出 since 之后的资金费历史
	ListHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingHistory, error)
}
