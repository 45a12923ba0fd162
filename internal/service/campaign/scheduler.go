package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/model"
)

type Recovery struct {
	Resumed   int `json:"resumed"`
	Rearmed   int `json:"rearmed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Result é o resumo de um tick do agendador.
type Result struct {
	CampaignsToStart int       `json:"campaignsToStart"`
	Recovery         Recovery  `json:"recovery"`
	Error            string    `json:"error,omitempty"`
	RanAt            time.Time `json:"ranAt"`
}

// Scheduler promove campanhas agendadas e recupera campanhas ativas órfãs.
type Scheduler struct {
	repo     storage.CampaignRepository
	engine   *Engine
	sessions Sessions
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Result
}

func NewScheduler(repo storage.CampaignRepository, engine *Engine, sessions Sessions, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		repo:     repo,
		engine:   engine,
		sessions: sessions,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run executa um tick imediato e depois um a cada intervalo até ctx terminar.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("agendador de campanhas iniciado", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("agendador de campanhas encerrado")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		s.log.Warn("agendador de campanhas reportou erro", zap.Error(err))
	}
	if res.CampaignsToStart > 0 {
		s.log.Info("campanhas agendadas processadas", zap.Int("count", res.CampaignsToStart))
	}
	if res.Recovery != (Recovery{}) {
		s.log.Info("resumo da recuperação de campanhas",
			zap.Int("resumed", res.Recovery.Resumed),
			zap.Int("rearmed", res.Recovery.Rearmed),
			zap.Int("completed", res.Recovery.Completed),
			zap.Int("failed", res.Recovery.Failed),
		)
	}
}

// Last devolve o resultado do último tick.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Scheduler) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &res
}

// Tick faz a promoção e a recuperação. As duas passadas são independentes:
// erro em uma não impede a outra, e ambos os erros aparecem no Result.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	res := Result{RanAt: s.now().UTC()}

	promoted, promoteErr := s.promote(ctx)
	res.CampaignsToStart = promoted

	rec, recoverErr := s.recover(ctx)
	res.Recovery = rec

	err := errors.Join(promoteErr, recoverErr)
	if err != nil {
		res.Error = err.Error()
	}
	s.record(res)
	return res, err
}

// promote devolve quantas campanhas agendadas de fato passaram a enviar.
func (s *Scheduler) promote(ctx context.Context) (int, error) {
	due, err := s.repo.ListDue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("campaign: listar agendadas: %w", err)
	}

	promoted := 0
	for _, c := range due {
		updated, err := s.repo.SetStatus(ctx, c.ID, model.CampaignStatusSending, model.CampaignStatusScheduled)
		if err != nil {
			s.log.Warn("erro ao iniciar campanha agendada", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		promoted++
		s.log.Info("campanha agendada iniciada", zap.String("campaign_id", c.ID), zap.String("name", c.Name))
		s.engine.publishStatus(updated)
		s.engine.Start(c.ID)
	}
	return promoted, nil
}

// recover trata campanhas ativas sem execução neste processo: retoma quando a
// sessão está conectada, rearmando antes as falhas abaixo do teto; sem
// sessão, encerra como concluída (nada pendente) ou falha. Sessão existente
// porém desconectada fica para o próximo tick.
func (s *Scheduler) recover(ctx context.Context) (Recovery, error) {
	var rec Recovery

	active, err := s.repo.ListByStatus(ctx, model.CampaignStatusSending, model.CampaignStatusRunning)
	if err != nil {
		return rec, fmt.Errorf("campaign: listar ativas: %w", err)
	}

	for _, c := range active {
		if s.engine.Running(c.ID) {
			continue
		}
		log := s.log.With(zap.String("campaign_id", c.ID))

		stats, err := s.repo.RefreshStatistics(ctx, c.ID)
		if err != nil {
			log.Warn("erro ao recalcular estatísticas", zap.Error(err))
			continue
		}
		retryable, err := s.repo.PendingRecipients(ctx, c.ID, c.Settings.RetryCeiling(), 0, 1)
		if err != nil {
			log.Warn("erro ao verificar destinatários pendentes", zap.Error(err))
			continue
		}
		remaining := stats.Pending > 0 || len(retryable) > 0

		connected, exists := s.sessions.IsConnected(c.SessionID)
		switch {
		case remaining && connected:
			if ceiling := c.Settings.RetryCeiling(); ceiling > 0 {
				n, _, err := s.repo.MarkForRetry(ctx, c.ID, "", ceiling)
				if err != nil {
					log.Warn("erro ao rearmar destinatários com falha", zap.Error(err))
					continue
				}
				if n > 0 {
					log.Info("destinatários com falha rearmados", zap.Int("count", n))
					rec.Rearmed += n
				}
			}
			if s.engine.Start(c.ID) {
				rec.Resumed++
			}
		case !remaining:
			updated, err := s.repo.SetStatus(ctx, c.ID, model.CampaignStatusCompleted, model.CampaignStatusSending, model.CampaignStatusRunning)
			if err != nil {
				log.Warn("erro ao concluir campanha recuperada", zap.Error(err))
				continue
			}
			rec.Completed++
			s.engine.publishStatus(updated)
		case !exists:
			updated, err := s.repo.SetStatus(ctx, c.ID, model.CampaignStatusFailed, model.CampaignStatusSending, model.CampaignStatusRunning)
			if err != nil {
				log.Warn("erro ao marcar campanha como falha", zap.Error(err))
				continue
			}
			log.Warn("sessão da campanha não existe mais", zap.String("session_id", c.SessionID))
			rec.Failed++
			s.engine.publishStatus(updated)
		default:
			log.Debug("sessão desconectada, campanha aguardando", zap.String("session_id", c.SessionID))
		}
	}
	return rec, nil
}
