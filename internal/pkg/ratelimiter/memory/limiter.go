package memory

import (
	"context"
	"sync"
	"time"

	"github.com/open-apime/disparador/internal/pkg/ratelimiter"
)

type item struct {
	count     int
	expiresAt time.Time
}

// MemoryLimiter aplica janela fixa por chave.
type MemoryLimiter struct {
	mu    sync.Mutex
	items map[string]*item
	stop  chan struct{}
	once  sync.Once
}

func NewLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		items: make(map[string]*item),
		stop:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimiter.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	val, ok := l.items[key]
	if !ok || now.After(val.expiresAt) {
		val = &item{expiresAt: now.Add(window)}
		l.items[key] = val
	}
	val.count++
	return ratelimiter.Evaluate(now, val.count, limit, val.expiresAt.Sub(now)), nil
}

// Close encerra a rotina de limpeza.
func (l *MemoryLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for k, v := range l.items {
				if now.After(v.expiresAt) {
					delete(l.items, k)
				}
			}
			l.mu.Unlock()
		}
	}
}
