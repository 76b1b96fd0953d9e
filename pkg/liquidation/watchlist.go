// 文件: pkg/liquidation/watchlist.go
// 账户风险观察名单

package liquidation

import (
	"sort"
	"sync"
	"sync/atomic"
)

// =============================================================================
// CowMap - Copy-on-Write Map
// =============================================================================

// CowMap Copy-on-Write Map
//
// 核心特性:
// 1. 读操作完全无锁
// 2. 写操作加锁，复制一份新 Map 后原子替换指针
// 3. 读者要么看到旧数据，要么看到新数据，不会看到中间状态
//
// 注意事项:
// - 写操作会复制整个 Map，适合读多写少、规模较小的场景
type CowMap struct {
	// key -> AccountRisk
	data atomic.Pointer[map[string]AccountRisk]

	// writeMu 只保护写操作之间的互斥
	writeMu sync.Mutex
}

// NewCowMap 创建新的 CowMap
func NewCowMap() *CowMap {
	m := &CowMap{}
	emptyMap := make(map[string]AccountRisk)
	m.data.Store(&emptyMap)
	return m
}

// Get 获取指定账户的风险数据 (无锁)
func (m *CowMap) Get(key string) (AccountRisk, bool) {
	data, ok := (*m.data.Load())[key]
	return data, ok
}

// GetAll 获取所有账户的风险数据快照 (无锁)
func (m *CowMap) GetAll() []AccountRisk {
	currentMap := m.data.Load()
	result := make([]AccountRisk, 0, len(*currentMap))
	for _, v := range *currentMap {
		result = append(result, v)
	}
	return result
}

// Len 当前账户数量
func (m *CowMap) Len() int {
	return len(*m.data.Load())
}

// Contains 检查账户是否存在
func (m *CowMap) Contains(key string) bool {
	_, ok := (*m.data.Load())[key]
	return ok
}

// BatchUpdate 批量更新与删除
//
// 先删除再更新，同一批次里既删除又更新的 key 会被保留。
func (m *CowMap) BatchUpdate(updates []AccountRisk, removes []string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	oldMap := m.data.Load()
	newMap := make(map[string]AccountRisk, len(*oldMap)+len(updates))
	for k, v := range *oldMap {
		newMap[k] = v
	}
	for _, key := range removes {
		delete(newMap, key)
	}
	for _, data := range updates {
		newMap[data.Key()] = data
	}

	m.data.Store(&newMap)
}

// Set 设置单个账户，频繁调用请用 BatchUpdate
func (m *CowMap) Set(data AccountRisk) {
	m.BatchUpdate([]AccountRisk{data}, nil)
}

// Remove 删除单个账户
func (m *CowMap) Remove(key string) {
	m.BatchUpdate(nil, []string{key})
}

// =============================================================================
// Watchlist - 按风险等级分层的观察名单
// =============================================================================

// Watchlist 观察名单
//
// 每个等级一个独立的 CowMap:
//
//	levels[0] = Safe
//	levels[1] = Warning
//	levels[2] = Danger
//	levels[3] = Critical
//	levels[4] = Liquidate
//
// 账户注册后一直留在名单里，每次重新评估只会在等级之间移动。
type Watchlist struct {
	levels [RiskLevelLiquidate + 1]*CowMap

	// key -> level 的快速查找索引
	keyLevel atomic.Pointer[map[string]RiskLevel]

	mu sync.Mutex
}

// NewWatchlist 创建观察名单
func NewWatchlist() *Watchlist {
	w := &Watchlist{}
	for i := range w.levels {
		w.levels[i] = NewCowMap()
	}
	empty := make(map[string]RiskLevel)
	w.keyLevel.Store(&empty)
	return w
}

// Update 写入最新评估结果，等级变化时返回 true 和旧等级
func (w *Watchlist) Update(r AccountRisk) (prev RiskLevel, changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := r.Key()
	oldIndex := w.keyLevel.Load()
	prev, existed := (*oldIndex)[key]

	if existed && prev != r.Level {
		w.levels[prev].Remove(key)
	}
	w.levels[r.Level].Set(r)

	newIndex := make(map[string]RiskLevel, len(*oldIndex)+1)
	for k, v := range *oldIndex {
		newIndex[k] = v
	}
	newIndex[key] = r.Level
	w.keyLevel.Store(&newIndex)

	return prev, existed && prev != r.Level
}

// Remove 从名单中移除账户
func (w *Watchlist) Remove(symbol, accountID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := AccountRisk{Symbol: symbol, AccountID: accountID}.Key()
	oldIndex := w.keyLevel.Load()
	level, ok := (*oldIndex)[key]
	if !ok {
		return
	}
	w.levels[level].Remove(key)

	newIndex := make(map[string]RiskLevel, len(*oldIndex))
	for k, v := range *oldIndex {
		if k != key {
			newIndex[k] = v
		}
	}
	w.keyLevel.Store(&newIndex)
}

// Get 查找账户 (无锁)
func (w *Watchlist) Get(symbol, accountID string) (AccountRisk, bool) {
	key := AccountRisk{Symbol: symbol, AccountID: accountID}.Key()
	level, ok := (*w.keyLevel.Load())[key]
	if !ok {
		return AccountRisk{}, false
	}
	return w.levels[level].Get(key)
}

// GetByLevel 指定等级的所有账户
func (w *Watchlist) GetByLevel(level RiskLevel) []AccountRisk {
	if level < RiskLevelSafe || level > RiskLevelLiquidate {
		return nil
	}
	return w.levels[level].GetAll()
}

// BySymbol 指定交易对的所有账户，按 key 排序
func (w *Watchlist) BySymbol(symbol string) []AccountRisk {
	var result []AccountRisk
	for _, level := range w.levels {
		for _, r := range level.GetAll() {
			if r.Symbol == symbol {
				result = append(result, r)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

// TotalCount 名单中的账户总数
func (w *Watchlist) TotalCount() int {
	return len(*w.keyLevel.Load())
}
