package ratelimiter

import (
	"context"
	"time"
)

// Result descreve a janela corrente de uma chave após contar a requisição.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
	// RetryAfter só é relevante quando Allowed é falso.
	RetryAfter time.Duration
}

// Limiter aplica janela fixa: até limit chamadas por key dentro de window.
// Implementações: memory (instância única) e redis (compartilhado entre réplicas).
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Evaluate monta o Result a partir da contagem e do tempo restante da janela.
func Evaluate(now time.Time, count, limit int, resetIn time.Duration) Result {
	res := Result{
		Allowed:   limit > 0 && count <= limit,
		Remaining: max(limit-count, 0),
		Reset:     now.Add(resetIn),
	}
	if !res.Allowed {
		res.RetryAfter = resetIn
	}
	return res
}
