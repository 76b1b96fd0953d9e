// 文件: pkg/store/memory_repo.go
// 内存实现，未配置 MySQL 时使用，也用于测试

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ SnapshotRepository = (*MemorySnapshotRepository)(nil)

type MemorySnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	history   map[string][]FundingHistory
}

func NewMemorySnapshotRepository() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{
		snapshots: make(map[string]Snapshot),
		history:   make(map[string][]FundingHistory),
	}
}

func (r *MemorySnapshotRepository) Get(_ context.Context, symbol string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.snapshots[symbol]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &s, nil
}

func (r *MemorySnapshotRepository) Save(_ context.Context, s *Snapshot, history *FundingHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.snapshots[s.Symbol]
	switch {
	case !ok && s.Version != 0:
		return ErrVersionConflict
	case ok && cur.Version != s.Version:
		return ErrVersionConflict
	}

	now := time.Now().UnixMilli()
	stored := *s
	stored.Version++
	stored.UpdatedAt = now
	r.snapshots[s.Symbol] = stored

	if history != nil {
		h := *history
		if h.CreatedAt == 0 {
			h.CreatedAt = now
		}
		r.history[s.Symbol] = append(r.history[s.Symbol], h)
	}

	s.Version = stored.Version
	s.UpdatedAt = now
	return nil
}

func (r *MemorySnapshotRepository) ListHistory(_ context.Context, symbol string, since int64, limit int) ([]FundingHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []FundingHistory
	for _, h := range r.history[symbol] {
		if h.Timestamp >= since {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp > rows[j].Timestamp })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
