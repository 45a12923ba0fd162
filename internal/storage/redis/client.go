package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/config"
)

const pingTimeout = 5 * time.Second

// Client compartilha uma conexão entre fila de webhooks, limiter, tokens do
// /ws e locks de campanha. Todas as chaves passam por Key.
type Client struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func New(cfg config.RedisConfig, log *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: falha ao conectar em %s: %w", cfg.Addr, err)
	}

	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	log.Info("redis: conectado", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB), zap.String("prefix", prefix))
	return &Client{rdb: rdb, prefix: prefix, log: log}, nil
}

// Key monta uma chave no namespace da aplicação: Key("webhook", "events")
// vira "disparador:webhook:events".
func (c *Client) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) RDB() *redis.Client {
	return c.rdb
}
