// 文件: pkg/alert/manager.go
// 内存版触发索引

package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryIndex 内存版触发索引
type MemoryIndex struct {
	mu       sync.Mutex
	triggers map[string]Trigger   // key: symbol/account
	fired    map[string]time.Time // 上次触发时间
	cooldown time.Duration
	now      func() time.Time
}

func NewMemoryIndex(cooldown time.Duration) *MemoryIndex {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &MemoryIndex{
		triggers: make(map[string]Trigger),
		fired:    make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (m *MemoryIndex) Track(_ context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.Symbol+"/"+t.AccountID] = t
	return nil
}

func (m *MemoryIndex) Untrack(_ context.Context, symbol, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := symbol + "/" + accountID
	delete(m.triggers, key)
	delete(m.fired, key)
	return nil
}

// Triggered 遍历交易对下的规则，按账户 ID 排序返回
func (m *MemoryIndex) Triggered(_ context.Context, symbol string, price decimal.Decimal) ([]Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var triggered []Trigger
	for key, t := range m.triggers {
		if t.Symbol != symbol || !t.Crossed(price) {
			continue
		}
		if last, ok := m.fired[key]; ok && now.Sub(last) < m.cooldown {
			continue // 冷却中
		}
		m.fired[key] = now
		triggered = append(triggered, t)
	}
	sort.Slice(triggered, func(i, j int) bool {
		return triggered[i].AccountID < triggered[j].AccountID
	})
	return triggered, nil
}

// Len 已登记的规则数量
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggers)
}
