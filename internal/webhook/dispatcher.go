package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/pkg/crypto"
	"github.com/open-apime/disparador/internal/pkg/queue"
	"github.com/open-apime/disparador/internal/storage/model"
)

// Dispatcher enfileira eventos de sessão para entrega assíncrona. Sessões sem
// webhook próprio usam o endpoint padrão, se houver.
type Dispatcher struct {
	queue         queue.Queue
	defaultURL    string
	defaultSecret string
	log           *zap.Logger
	now           func() time.Time
}

func NewDispatcher(q queue.Queue, defaultURL, defaultSecret, encryptionKey string, log *zap.Logger) (*Dispatcher, error) {
	secret, err := crypto.EncryptString(defaultSecret, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("webhook: cifrar segredo padrão: %w", err)
	}
	return &Dispatcher{
		queue:         q,
		defaultURL:    defaultURL,
		defaultSecret: secret,
		log:           log,
		now:           time.Now,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, sess model.Session, event string, payload map[string]any) {
	url, secret := sess.WebhookURL, sess.WebhookSecret
	if url == "" {
		url, secret = d.defaultURL, d.defaultSecret
	}
	if url == "" {
		return
	}

	ev := queue.Event{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		Type:          event,
		Payload:       payload,
		CreatedAt:     d.now().UTC(),
		WebhookURL:    url,
		WebhookSecret: secret,
	}
	if err := d.queue.Enqueue(ctx, ev); err != nil {
		d.log.Warn("webhook: evento não enfileirado",
			zap.String("session_id", sess.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
