// 文件: pkg/market/broadcaster.go
// 观测扇出

package market

import (
	"sync"
	"sync/atomic"

	"perpcalc.com/pkg/event"
)

// Broadcaster 把一条观测分发给多个订阅者
//
// 订阅者的 Channel 满了就跳过，慢订阅者不影响其他订阅者。
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []chan event.Observation
	dropped     atomic.Int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe 订阅，buffer 为订阅者自己的缓冲大小
func (b *Broadcaster) Subscribe(buffer int) <-chan event.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan event.Observation, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast 非阻塞分发
func (b *Broadcaster) Broadcast(o event.Observation) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- o:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped 因订阅者满而丢弃的次数
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭所有订阅者的 Channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
