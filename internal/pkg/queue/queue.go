package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrFull   = errors.New("queue is full")
)

// Event é um webhook pendente de entrega.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`

	// Destino resolvido no enfileiramento; o segredo segue cifrado.
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

// Queue desacopla a geração de eventos da entrega HTTP.
// Dequeue retorna (nil, nil) quando o timeout expira sem eventos.
type Queue interface {
	Enqueue(ctx context.Context, event Event) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Event, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}
