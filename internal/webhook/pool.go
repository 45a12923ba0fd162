package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/pkg/crypto"
	"github.com/open-apime/disparador/internal/pkg/queue"
)

type Deliverer interface {
	Deliver(ctx context.Context, url, secret string, event map[string]any) error
}

// Pool consome a fila e entrega os eventos com um número fixo de workers.
type Pool struct {
	queue         queue.Queue
	delivery      Deliverer
	encryptionKey string
	log           *zap.Logger

	numWorkers int
	taskChan   chan *queue.Event
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPool(q queue.Queue, d Deliverer, encryptionKey string, log *zap.Logger, numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Pool{
		queue:         q,
		delivery:      d,
		encryptionKey: encryptionKey,
		log:           log,
		numWorkers:    numWorkers,
		taskChan:      make(chan *queue.Event, numWorkers*2),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.log.Info("webhook pool: iniciando", zap.Int("workers", p.numWorkers))

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	p.wg.Add(1)
	go p.runDispatcher()
}

func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.log.Info("webhook pool: encerrando")
	p.cancel()
	p.wg.Wait()
	p.log.Info("webhook pool: encerrada")
}

func (p *Pool) runDispatcher() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		event, err := p.queue.Dequeue(p.ctx, time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || p.ctx.Err() != nil {
				return
			}
			p.log.Error("webhook pool: erro ao desenfileirar", zap.Error(err))
			continue
		}
		if event == nil {
			continue
		}

		select {
		case p.taskChan <- event:
		case <-p.ctx.Done():
			return
		case <-time.After(5 * time.Second):
			p.log.Warn("webhook pool: workers ocupados, descartando evento", zap.String("event_id", event.ID))
		}
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case event := <-p.taskChan:
			p.process(id, event)
		}
	}
}

func (p *Pool) process(workerID int, event *queue.Event) {
	log := p.log.With(
		zap.Int("worker_id", workerID),
		zap.String("event_id", event.ID),
		zap.String("session_id", event.SessionID),
		zap.String("event", event.Type),
	)

	if event.WebhookURL == "" {
		return
	}

	secret, err := crypto.DecryptString(event.WebhookSecret, p.encryptionKey)
	if err != nil {
		log.Error("webhook pool: segredo ilegível, evento descartado", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	if err := p.delivery.Deliver(ctx, event.WebhookURL, secret, Body(event)); err != nil {
		log.Warn("webhook pool: falha na entrega", zap.String("webhook", event.WebhookURL), zap.Error(err))
		return
	}
	log.Debug("webhook pool: evento entregue")
}

// Body monta o JSON entregue: {event, sessionId, ...payload}.
func Body(event *queue.Event) map[string]any {
	body := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		body[k] = v
	}
	body["event"] = event.Type
	body["sessionId"] = event.SessionID
	return body
}
