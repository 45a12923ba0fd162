package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-apime/disparador/internal/pkg/queue"
)

// pushBounded só enfileira enquanto a lista tiver menos de ARGV[2] itens.
var pushBounded = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

// Queue guarda os webhooks pendentes numa lista do redis (LPUSH/BRPOP), o
// que permite a outra réplica drenar eventos de uma instância que caiu.
type Queue struct {
	client  *redis.Client
	key     string
	maxSize int
	closed  atomic.Bool
}

func NewQueue(client *redis.Client, key string, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{client: client, key: key, maxSize: maxSize}
}

func (q *Queue) Enqueue(ctx context.Context, event queue.Event) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue enqueue: marshal: %w", err)
	}
	ok, err := pushBounded.Run(ctx, q.client, []string{q.key}, data, q.maxSize).Int()
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	if ok == 0 {
		return queue.ErrFull
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Event, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("queue dequeue: resposta inesperada %v", result)
	}

	var event queue.Event
	if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
		return nil, fmt.Errorf("queue dequeue: unmarshal: %w", err)
	}
	return &event, nil
}

func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close só marca a fila; o cliente é compartilhado com lock e limiter e os
// eventos pendentes continuam no redis.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
