package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTokenInvalid = errors.New("notify: token inválido ou expirado")

const (
	tokenBytes      = 32
	defaultTokenTTL = 31 * time.Second
)

// TokenStore emite tokens de uso único para abrir a assinatura.
type TokenStore interface {
	Issue(ctx context.Context, id Identity) (string, error)
	Consume(ctx context.Context, token string) (Identity, error)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("notify: gerar token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type memoryEntry struct {
	identity  Identity
	expiresAt time.Time
}

type MemoryTokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]memoryEntry
}

func NewMemoryTokenStore(ttl time.Duration) *MemoryTokenStore {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &MemoryTokenStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]memoryEntry),
	}
}

func (s *MemoryTokenStore) Issue(ctx context.Context, id Identity) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	s.tokens[token] = memoryEntry{identity: id, expiresAt: now.Add(s.ttl)}
	return token, nil
}

func (s *MemoryTokenStore) Consume(ctx context.Context, token string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return Identity{}, ErrTokenInvalid
	}
	delete(s.tokens, token)
	if !s.now().Before(entry.expiresAt) {
		return Identity{}, ErrTokenInvalid
	}
	return entry.identity, nil
}

// sweep remove tokens vencidos. Chamado com mu travado.
func (s *MemoryTokenStore) sweep(now time.Time) {
	for k, e := range s.tokens {
		if !now.Before(e.expiresAt) {
			delete(s.tokens, k)
		}
	}
}

// RedisTokenStore compartilha tokens entre réplicas.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTokenStore grava cada token em prefix+token.
func NewRedisTokenStore(client *redis.Client, prefix string, ttl time.Duration) *RedisTokenStore {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &RedisTokenStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisTokenStore) Issue(ctx context.Context, id Identity) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("notify: serializar identidade: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+token, data, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("notify: gravar token: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("notify: colisão de token")
	}
	return token, nil
}

func (s *RedisTokenStore) Consume(ctx context.Context, token string) (Identity, error) {
	data, err := s.client.GetDel(ctx, s.prefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Identity{}, ErrTokenInvalid
		}
		return Identity{}, fmt.Errorf("notify: consumir token: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("notify: identidade corrompida: %w", err)
	}
	return id, nil
}
