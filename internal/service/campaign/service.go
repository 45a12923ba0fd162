package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/model"
)

// Actor identifica quem chama o serviço. Admin enxerga todas as campanhas.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) owns(c model.Campaign) bool {
	return a.Admin || c.CreatedBy == a.UserID
}

type CreateInput struct {
	Name        string                `json:"name"`
	SessionID   string                `json:"sessionId"`
	Status      model.CampaignStatus  `json:"status"`
	ScheduledAt *time.Time            `json:"scheduledAt"`
	Message     model.CampaignMessage `json:"message"`
	Settings    *SettingsInput        `json:"settings"`
	Recipients  []RecipientInput      `json:"recipients"`
}

// UpdateInput altera apenas os campos informados. Recipients não nulo
// substitui a lista inteira.
type UpdateInput struct {
	Name        *string                `json:"name"`
	SessionID   *string                `json:"sessionId"`
	ScheduledAt *time.Time             `json:"scheduledAt"`
	Message     *model.CampaignMessage `json:"message"`
	Settings    *SettingsInput         `json:"settings"`
	Recipients  []RecipientInput       `json:"recipients"`
}

// SessionLookup resolve uma sessão pelo id para conferir o dono.
type SessionLookup interface {
	Get(id string) (model.Session, error)
}

type Service struct {
	repo     storage.CampaignRepository
	engine   *Engine
	sessions SessionLookup
	defaults Defaults
	log      *zap.Logger
}

func NewService(repo storage.CampaignRepository, engine *Engine, sessions SessionLookup, defaults Defaults, log *zap.Logger) *Service {
	return &Service{repo: repo, engine: engine, sessions: sessions, defaults: defaults, log: log}
}

// checkSession impede que um usuário envie pela sessão de outro. A resposta é
// a mesma para sessão inexistente ou alheia, como nos endpoints de sessão.
func (s *Service) checkSession(actor Actor, sessionID string) error {
	if sessionID == "" || actor.Admin {
		return nil
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.OwnerUserID == "" || sess.OwnerUserID != actor.UserID {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, model.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}

func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (model.Campaign, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return model.Campaign{}, err
	}
	msg, err := normalizeMessage(in.Message)
	if err != nil {
		return model.Campaign{}, err
	}
	settings, err := s.defaults.settings(in.Settings)
	if err != nil {
		return model.Campaign{}, err
	}
	status, err := initialStatus(in.Status, in.ScheduledAt)
	if err != nil {
		return model.Campaign{}, err
	}
	if status != model.CampaignStatusDraft && in.SessionID == "" {
		return model.Campaign{}, invalid("sessionId", "required")
	}
	if err := s.checkSession(actor, in.SessionID); err != nil {
		return model.Campaign{}, err
	}
	recipients, err := buildRecipients(in.Recipients)
	if err != nil {
		return model.Campaign{}, err
	}

	c := model.Campaign{
		Name:        name,
		CreatedBy:   actor.UserID,
		SessionID:   in.SessionID,
		Status:      status,
		Message:     msg,
		Settings:    settings,
		ScheduledAt: utcPtr(in.ScheduledAt),
	}
	created, err := s.repo.Create(ctx, c, recipients)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("campaign: criar: %w", err)
	}

	s.log.Info("campanha criada",
		zap.String("campaign_id", created.ID),
		zap.String("status", string(created.Status)),
		zap.Int("recipients", created.RecipientCount),
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}
	if !actor.owns(c) {
		return model.Campaign{}, ErrNotFound
	}
	return c, nil
}

// GetWithRecipients devolve a campanha com a lista de destinatários.
func (s *Service) GetWithRecipients(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}
	c.Recipients, err = s.repo.Recipients(ctx, id)
	if err != nil {
		return model.Campaign{}, err
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, actor Actor) ([]model.Campaign, error) {
	owner := actor.UserID
	if actor.Admin {
		owner = ""
	}
	return s.repo.List(ctx, owner)
}

func (s *Service) Update(ctx context.Context, actor Actor, id string, in UpdateInput) (model.Campaign, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}
	switch c.Status {
	case model.CampaignStatusDraft, model.CampaignStatusReady, model.CampaignStatusScheduled, model.CampaignStatusPaused:
	default:
		return model.Campaign{}, fmt.Errorf("%w: campanha em %s não pode ser editada", ErrInvalidTransition, c.Status)
	}

	if in.Name != nil {
		if c.Name, err = validateName(*in.Name); err != nil {
			return model.Campaign{}, err
		}
	}
	if in.SessionID != nil {
		if err := s.checkSession(actor, *in.SessionID); err != nil {
			return model.Campaign{}, err
		}
		c.SessionID = *in.SessionID
	}
	if in.Message != nil {
		if c.Message, err = normalizeMessage(*in.Message); err != nil {
			return model.Campaign{}, err
		}
	}
	if in.Settings != nil {
		base := Defaults{DelayMs: c.Settings.DelayBetweenMessages, MaxRetries: c.Settings.MaxRetries}
		retry := c.Settings.RetryFailedMessages
		merged := *in.Settings
		if merged.RetryFailedMessages == nil {
			merged.RetryFailedMessages = &retry
		}
		if c.Settings, err = base.settings(&merged); err != nil {
			return model.Campaign{}, err
		}
	}
	if in.ScheduledAt != nil {
		c.ScheduledAt = utcPtr(in.ScheduledAt)
	}

	var recipients []model.Recipient
	if in.Recipients != nil {
		if recipients, err = buildRecipients(in.Recipients); err != nil {
			return model.Campaign{}, err
		}
	}

	updated, err := s.repo.Update(ctx, c, recipients)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}

	if in.ScheduledAt != nil && (updated.Status == model.CampaignStatusDraft || updated.Status == model.CampaignStatusReady) {
		if updated.SessionID == "" {
			return updated, invalid("sessionId", "required to schedule")
		}
		updated, err = s.repo.SetStatus(ctx, id, model.CampaignStatusScheduled, model.CampaignStatusDraft, model.CampaignStatusReady)
		if err != nil {
			return model.Campaign{}, mapRepoError(err)
		}
		s.publishStatus(updated)
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return err
	}
	s.engine.Stop(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		return mapRepoError(err)
	}
	s.log.Info("campanha removida", zap.String("campaign_id", id))
	return nil
}

// Clone copia campanha e destinatários com os envios zerados.
func (s *Service) Clone(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	src, err := s.GetWithRecipients(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}

	recipients := make([]model.Recipient, len(src.Recipients))
	for i, r := range src.Recipients {
		recipients[i] = model.Recipient{Number: r.Number, Payload: r.Payload, Status: model.RecipientStatusPending}
	}
	clone := model.Campaign{
		Name:      src.Name + " (Copy)",
		CreatedBy: actor.UserID,
		SessionID: src.SessionID,
		Status:    model.CampaignStatusDraft,
		Message:   src.Message,
		Settings:  src.Settings,
	}
	created, err := s.repo.Create(ctx, clone, recipients)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("campaign: clonar: %w", err)
	}
	return created, nil
}

// Start coloca a campanha em envio imediatamente.
func (s *Service) Start(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}
	if c.SessionID == "" {
		return model.Campaign{}, invalid("sessionId", "required to start")
	}
	if err := s.checkSession(actor, c.SessionID); err != nil {
		return model.Campaign{}, err
	}
	if c.RecipientCount == 0 {
		return model.Campaign{}, ErrNoRecipients
	}
	return s.activate(ctx, id,
		model.CampaignStatusDraft, model.CampaignStatusReady, model.CampaignStatusScheduled, model.CampaignStatusPaused)
}

func (s *Service) Resume(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}
	if err := s.checkSession(actor, c.SessionID); err != nil {
		return model.Campaign{}, err
	}
	return s.activate(ctx, id, model.CampaignStatusPaused)
}

func (s *Service) activate(ctx context.Context, id string, from ...model.CampaignStatus) (model.Campaign, error) {
	c, err := s.repo.SetStatus(ctx, id, model.CampaignStatusSending, from...)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}
	s.publishStatus(c)
	s.engine.Start(id)
	return c, nil
}

// Pause para o envio entre dois destinatários preservando a posição.
func (s *Service) Pause(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return model.Campaign{}, err
	}
	c, err := s.repo.SetStatus(ctx, id, model.CampaignStatusPaused, model.CampaignStatusSending, model.CampaignStatusRunning)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}
	s.engine.Stop(id)
	s.publishStatus(c)
	return c, nil
}

func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return model.Campaign{}, err
	}
	c, err := s.repo.SetStatus(ctx, id, model.CampaignStatusCancelled,
		model.CampaignStatusDraft, model.CampaignStatusReady, model.CampaignStatusScheduled,
		model.CampaignStatusSending, model.CampaignStatusRunning, model.CampaignStatusPaused)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}
	s.engine.Stop(id)
	s.publishStatus(c)
	return c, nil
}

// RetryRecipient rearma um destinatário com falha. Campanhas já encerradas
// voltam a enviar.
func (s *Service) RetryRecipient(ctx context.Context, actor Actor, id, number string) (model.Campaign, error) {
	normalized, ok := NormalizeNumber(number)
	if !ok {
		return model.Campaign{}, invalid("number", "must contain 10 to 15 digits")
	}
	return s.retry(ctx, actor, id, normalized)
}

// RetryFailed rearma todos os destinatários com falha abaixo do teto.
func (s *Service) RetryFailed(ctx context.Context, actor Actor, id string) (model.Campaign, error) {
	return s.retry(ctx, actor, id, "")
}

func (s *Service) retry(ctx context.Context, actor Actor, id, number string) (model.Campaign, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.Campaign{}, err
	}
	if c.Status == model.CampaignStatusCancelled {
		return model.Campaign{}, fmt.Errorf("%w: campanha cancelada", ErrInvalidTransition)
	}

	n, stats, err := s.repo.MarkForRetry(ctx, id, number, c.Settings.MaxRetries)
	if err != nil {
		return model.Campaign{}, mapRepoError(err)
	}
	if n == 0 {
		return model.Campaign{}, ErrNothingToRetry
	}
	c.Statistics = stats
	s.log.Info("destinatários rearmados",
		zap.String("campaign_id", id),
		zap.String("number", number),
		zap.Int("count", n),
	)

	switch {
	case c.Status == model.CampaignStatusCompleted || c.Status == model.CampaignStatusFailed:
		return s.activate(ctx, id, model.CampaignStatusCompleted, model.CampaignStatusFailed)
	case c.Status.Active():
		// campanha aguardando o rearme: volta a enviar agora
		s.engine.Start(id)
	}
	return c, nil
}

// ExportResults escreve o CSV de resultados.
func (s *Service) ExportResults(ctx context.Context, actor Actor, id string, w io.Writer) error {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return err
	}
	recipients, err := s.repo.Recipients(ctx, id)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	return WriteResultsCSV(w, recipients)
}

func (s *Service) publishStatus(c model.Campaign) {
	s.engine.publishStatus(c)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
