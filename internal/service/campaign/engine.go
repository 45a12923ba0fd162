package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/media"
	"github.com/open-apime/disparador/internal/storage/model"
)

// Sessions é o que o motor precisa do gerenciador de sessões.
type Sessions interface {
	IsConnected(id string) (connected, exists bool)
	Send(ctx context.Context, id, to string, msg session.OutboundMessage) (string, error)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, rawURL string) (media.Media, error)
}

// Events recebe progresso e mudanças de status das campanhas.
type Events interface {
	CampaignProgress(c model.Campaign)
	CampaignStatus(c model.Campaign)
}

// Lock impede que duas réplicas processem a mesma campanha.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type LockFactory func(key string) Lock

type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeDeferred
	OutcomeStopped
	OutcomeFailed
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	case OutcomeLocked:
		return "locked"
	}
	return "unknown"
}

const sendTimeout = 2 * time.Minute

type EngineOptions struct {
	BatchSize int
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine processa os destinatários de campanhas ativas. Cada campanha roda em
// sua própria goroutine; dentro dela os envios são sequenciais.
type Engine struct {
	repo     storage.CampaignRepository
	sessions Sessions
	media    MediaFetcher
	log      *zap.Logger
	opts     EngineOptions

	mu     sync.Mutex
	runs   map[string]*run
	events Events
	locks  LockFactory
	closed bool
}

func NewEngine(repo storage.CampaignRepository, sessions Sessions, mediaFetcher MediaFetcher, opts EngineOptions, log *zap.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Engine{
		repo:     repo,
		sessions: sessions,
		media:    mediaFetcher,
		log:      log,
		opts:     opts,
		runs:     make(map[string]*run),
	}
}

func (e *Engine) SetEvents(ev Events) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = ev
}

func (e *Engine) SetLocks(f LockFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks = f
}

// Start dispara o processamento em background. Retorna false se a campanha
// já está em execução neste processo.
func (e *Engine) Start(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, ok := e.runs[campaignID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[campaignID] = r

	go func() {
		defer close(r.done)
		defer func() {
			e.mu.Lock()
			delete(e.runs, campaignID)
			e.mu.Unlock()
		}()

		outcome, err := e.Run(ctx, campaignID)
		if err != nil {
			e.log.Error("erro ao processar campanha", zap.String("campaign_id", campaignID), zap.Error(err))
			return
		}
		e.log.Info("execução de campanha encerrada",
			zap.String("campaign_id", campaignID),
			zap.String("outcome", outcome.String()),
		)
	}()
	return true
}

// Stop interrompe a execução entre dois envios e espera a goroutine sair.
func (e *Engine) Stop(campaignID string) {
	e.mu.Lock()
	r, ok := e.runs[campaignID]
	e.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

func (e *Engine) Running(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[campaignID]
	return ok
}

// Close interrompe todas as execuções.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
		<-r.done
	}
}

func (e *Engine) publishProgress(c model.Campaign) {
	e.mu.Lock()
	ev := e.events
	e.mu.Unlock()
	if ev != nil {
		ev.CampaignProgress(c)
	}
}

func (e *Engine) publishStatus(c model.Campaign) {
	e.mu.Lock()
	ev := e.events
	e.mu.Unlock()
	if ev != nil {
		ev.CampaignStatus(c)
	}
}

func lockKey(campaignID string) string {
	return "campaign:lock:" + campaignID
}

// Run faz uma passada pelos destinatários elegíveis e conclui a campanha se
// nada mais restar. Uma falha não se rearma sozinha: retryCount só sobe pelo
// retry explícito ou pela recuperação do agendador. É síncrono; Start o
// executa em background.
func (e *Engine) Run(ctx context.Context, campaignID string) (Outcome, error) {
	log := e.log.With(zap.String("campaign_id", campaignID))

	st := &runState{log: log}

	e.mu.Lock()
	locks := e.locks
	e.mu.Unlock()
	if locks != nil {
		lock := locks(lockKey(campaignID))
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("campaign: adquirir lock: %w", err)
		}
		if !acquired {
			log.Debug("campanha em execução em outra réplica")
			return OutcomeLocked, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				log.Warn("erro ao liberar lock da campanha", zap.Error(err))
			}
		}()
		st.lock = lock
	}

	c, err := e.repo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign: carregar: %w", err)
	}
	if !c.Status.Active() {
		return OutcomeStopped, nil
	}
	st.c = &c

	if _, outcome, err := e.pass(ctx, st); err != nil || outcome != 0 {
		return outcome, err
	}

	return e.finish(ctx, c, log)
}

// runState acompanha uma execução de Run.
type runState struct {
	c        *model.Campaign
	outbound *session.OutboundMessage
	lock     Lock
	log      *zap.Logger
}

// refreshLock renova o lock da execução, se houver. Perder o lock encerra a execução.
func (st *runState) refreshLock(ctx context.Context) error {
	if st.lock == nil {
		return nil
	}
	held, err := st.lock.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("campaign: renovar lock: %w", err)
	}
	if !held {
		return errors.New("campaign: lock perdido para outra réplica")
	}
	return nil
}

// pass percorre uma vez os destinatários elegíveis em ordem de inserção.
func (e *Engine) pass(ctx context.Context, st *runState) (int, Outcome, error) {
	var (
		c         = st.c
		log       = st.log
		cursor    int64
		processed int
	)

	for {
		current, err := e.repo.GetByID(ctx, c.ID)
		if err != nil {
			if ctx.Err() != nil {
				return processed, OutcomeStopped, nil
			}
			return processed, 0, fmt.Errorf("campaign: recarregar: %w", err)
		}
		if !current.Status.Active() {
			log.Info("campanha deixou de estar ativa", zap.String("status", string(current.Status)))
			return processed, OutcomeStopped, nil
		}
		c.Settings = current.Settings

		if err := st.refreshLock(ctx); err != nil {
			return processed, 0, err
		}

		batch, err := e.repo.PendingRecipients(ctx, c.ID, c.Settings.RetryCeiling(), cursor, e.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return processed, OutcomeStopped, nil
			}
			return processed, 0, fmt.Errorf("campaign: buscar destinatários: %w", err)
		}
		if len(batch) == 0 {
			return processed, 0, nil
		}

		for _, r := range batch {
			if ctx.Err() != nil {
				return processed, OutcomeStopped, nil
			}

			connected, exists := e.sessions.IsConnected(c.SessionID)
			if !exists {
				outcome, err := e.fail(ctx, *c, "session not found", log)
				return processed, outcome, err
			}
			if !connected {
				log.Info("sessão não conectada, campanha adiada", zap.String("session_id", c.SessionID))
				return processed, OutcomeDeferred, nil
			}

			if processed > 0 {
				if err := wait(ctx, c.Settings.Delay()); err != nil {
					return processed, OutcomeStopped, nil
				}
			}

			if st.outbound == nil {
				msg, err := e.buildOutbound(ctx, c.Message)
				if err != nil {
					if ctx.Err() != nil {
						return processed, OutcomeStopped, nil
					}
					// Sem a mídia nenhum destinatário pode ser atendido.
					outcome, ferr := e.fail(ctx, *c, err.Error(), log)
					return processed, outcome, ferr
				}
				st.outbound = &msg
			}

			status, errText, deferred := e.deliver(c, r, *st.outbound)
			if deferred {
				log.Info("sessão caiu durante o envio, campanha adiada", zap.String("session_id", c.SessionID))
				return processed, OutcomeDeferred, nil
			}

			// O resultado de um envio já feito é gravado mesmo com pausa em curso.
			recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			stats, err := e.repo.RecordDelivery(recordCtx, c.ID, r.ID, status, errText)
			cancel()
			if err != nil {
				return processed, 0, fmt.Errorf("campaign: registrar envio: %w", err)
			}
			c.Statistics = stats
			cursor = r.ID
			processed++
		}

		e.publishProgress(*c)
	}
}

func (e *Engine) deliver(c *model.Campaign, r model.Recipient, base session.OutboundMessage) (model.RecipientStatus, string, bool) {
	msg := base
	if msg.Type == model.MessageTypeText {
		msg.Text = Render(c.Message.Content, r.Payload)
	} else {
		caption := c.Message.MediaCaption
		if caption == "" {
			caption = c.Message.Content
		}
		msg.Caption = Render(caption, r.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if _, err := e.sessions.Send(ctx, c.SessionID, r.Number, msg); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			return "", "", true
		}
		e.log.Warn("falha ao enviar para destinatário",
			zap.String("campaign_id", c.ID),
			zap.String("number", r.Number),
			zap.Int("retry_count", r.RetryCount),
			zap.Error(err),
		)
		return model.RecipientStatusFailed, err.Error(), false
	}
	return model.RecipientStatusSent, "", false
}

func (e *Engine) buildOutbound(ctx context.Context, m model.CampaignMessage) (session.OutboundMessage, error) {
	out := session.OutboundMessage{Type: m.Type}
	if m.Type == model.MessageTypeText || m.Type == "" {
		out.Type = model.MessageTypeText
		return out, nil
	}
	if e.media == nil {
		return out, errors.New("media storage not configured")
	}
	fetched, err := e.media.Fetch(ctx, m.MediaURL)
	if err != nil {
		return out, fmt.Errorf("fetch media: %w", err)
	}
	out.Media = fetched.Data
	out.Mimetype = fetched.Mimetype
	out.FileName = m.FileName
	if out.FileName == "" {
		out.FileName = fetched.FileName
	}
	return out, nil
}

// finish conclui a campanha quando não resta nada pendente.
func (e *Engine) finish(ctx context.Context, c model.Campaign, log *zap.Logger) (Outcome, error) {
	stats, err := e.repo.RefreshStatistics(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign: estatísticas: %w", err)
	}
	c.Statistics = stats
	e.publishProgress(c)

	if stats.Pending > 0 {
		return OutcomeDeferred, nil
	}
	// Falhas abaixo do teto esperam o rearme explícito (retry ou recuperação).
	retryable, err := e.repo.PendingRecipients(ctx, c.ID, c.Settings.RetryCeiling(), 0, 1)
	if err != nil {
		return 0, fmt.Errorf("campaign: verificar falhas rearmáveis: %w", err)
	}
	if len(retryable) > 0 {
		log.Info("campanha aguardando nova tentativa dos destinatários com falha", zap.Int("failed", stats.Failed))
		return OutcomeDeferred, nil
	}

	updated, err := e.repo.SetStatus(ctx, c.ID, model.CampaignStatusCompleted, model.CampaignStatusSending, model.CampaignStatusRunning)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return OutcomeStopped, nil
		}
		return 0, fmt.Errorf("campaign: concluir: %w", err)
	}
	log.Info("campanha concluída",
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("total", stats.Total),
	)
	e.publishStatus(updated)
	return OutcomeCompleted, nil
}

func (e *Engine) fail(ctx context.Context, c model.Campaign, reason string, log *zap.Logger) (Outcome, error) {
	updated, err := e.repo.SetStatus(ctx, c.ID, model.CampaignStatusFailed, model.CampaignStatusSending, model.CampaignStatusRunning)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return OutcomeStopped, nil
		}
		return 0, fmt.Errorf("campaign: marcar falha: %w", err)
	}
	log.Error("campanha falhou", zap.String("reason", reason))
	e.publishStatus(updated)
	return OutcomeFailed, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
