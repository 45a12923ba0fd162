package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-apime/disparador/internal/pkg/ratelimiter"
)

// fixedWindow incrementa o contador e garante o TTL da janela mesmo quando a
// chave ficou sem expiração (PTTL -1).
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Limiter compartilha as janelas entre réplicas da API.
type Limiter struct {
	client *redis.Client
	prefix string
}

func NewLimiter(client *redis.Client, prefix string) *Limiter {
	return &Limiter{client: client, prefix: prefix}
}

func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimiter.Result, error) {
	if l.prefix != "" {
		key = l.prefix + ":" + key
	}
	vals, err := fixedWindow.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimiter.Result{}, fmt.Errorf("redis limiter: %w", err)
	}
	if len(vals) != 2 {
		return ratelimiter.Result{}, fmt.Errorf("redis limiter: resposta inesperada %v", vals)
	}
	return ratelimiter.Evaluate(time.Now(), int(vals[0]), limit, time.Duration(vals[1])*time.Millisecond), nil
}
