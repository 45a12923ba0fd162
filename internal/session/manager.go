package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/config"
	"github.com/open-apime/disparador/internal/pkg/crypto"
	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/model"
)

const storeTimeout = 10 * time.Second

type Options struct {
	MaxSessions       int
	InactivityTimeout time.Duration
	ReconnectMax      int
	ReconnectDelay    time.Duration
	LogoutTimeout     time.Duration
	SendRate          float64
	EncryptionKey     string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxSessions:       cfg.Session.MaxSessions,
		InactivityTimeout: cfg.Session.InactivityTimeout(),
		ReconnectMax:      cfg.Session.ReconnectMax,
		ReconnectDelay:    cfg.Session.ReconnectDelay,
		LogoutTimeout:     cfg.Session.LogoutTimeout,
		SendRate:          cfg.Session.SendRate,
		EncryptionKey:     cfg.Security.EncryptionKey,
	}
}

type CreateInput struct {
	ID            string
	OwnerUserID   string
	WebhookURL    string
	WebhookSecret string
}

// Manager é o ponto de entrada do ciclo de vida das sessões.
type Manager struct {
	opts     Options
	registry *Registry
	store    storage.SessionRepository
	factory  TransportFactory
	log      *zap.Logger
	ids      *keyLock

	mu       sync.RWMutex
	notifier Notifier
	webhooks Webhooks
}

func NewManager(opts Options, store storage.SessionRepository, factory TransportFactory, log *zap.Logger) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 24 * time.Hour
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = 15 * time.Second
	}
	return &Manager{
		opts:     opts,
		registry: NewRegistry(),
		store:    store,
		factory:  factory,
		log:      log,
		ids:      newKeyLock(),
	}
}

func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

func (m *Manager) SetWebhooks(w Webhooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = w
}

// Create reserva a vaga, persiste e inicia o supervisor. O token em texto
// puro só é devolvido aqui e em RotateToken.
func (m *Manager) Create(ctx context.Context, in CreateInput) (model.Session, string, error) {
	if !ValidID(in.ID) {
		return model.Session{}, "", ErrInvalidID
	}

	secret, err := crypto.EncryptString(in.WebhookSecret, m.opts.EncryptionKey)
	if err != nil {
		return model.Session{}, "", fmt.Errorf("session: criptografar segredo: %w", err)
	}

	token := uuid.NewString()
	now := time.Now()
	snap := model.Session{
		ID:             in.ID,
		Status:         model.SessionStatusCreating,
		Detail:         "Creating session...",
		OwnerUserID:    in.OwnerUserID,
		WebhookURL:     in.WebhookURL,
		WebhookSecret:  secret,
		TokenHash:      HashToken(token),
		TokenUpdatedAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.ids.lock(ctx, in.ID); err != nil {
		return model.Session{}, "", err
	}
	defer m.ids.unlock(in.ID)

	if err := m.registry.Reserve(snap, m.opts.MaxSessions); err != nil {
		m.log.Warn("criação de sessão recusada", zap.String("session_id", in.ID), zap.Error(err))
		return model.Session{}, "", err
	}

	if _, err := m.store.Upsert(ctx, snap); err != nil {
		m.registry.Remove(in.ID, nil)
		return model.Session{}, "", fmt.Errorf("session: persistir: %w", err)
	}

	m.log.Info("sessão criada", zap.String("session_id", in.ID), zap.String("owner", snap.Owner()))
	m.publish()
	m.dispatch(snap, "session-status", statusPayload(snap))
	m.start(in.ID, false)

	return snap, token, nil
}

func (m *Manager) restoreOne(ctx context.Context, snap model.Session) bool {
	if err := m.ids.lock(ctx, snap.ID); err != nil {
		return false
	}
	defer m.ids.unlock(snap.ID)

	if err := m.registry.Reserve(snap, 0); err != nil {
		return false
	}
	if _, err := m.store.Upsert(ctx, snap); err != nil {
		m.log.Error("erro ao persistir sessão restaurada", zap.String("session_id", snap.ID), zap.Error(err))
	}
	return true
}

// Restore readmite as sessões que têm credenciais do transporte mas não estão
// no registro. Devolve os tokens emitidos para sessões que não tinham um.
func (m *Manager) Restore(ctx context.Context) (map[string]string, error) {
	ids, err := m.factory.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: listar credenciais: %w", err)
	}

	known := make(map[string]bool, len(ids))
	issued := make(map[string]string)

	for _, id := range ids {
		known[id] = true
		if _, ok := m.registry.Get(id); ok {
			continue
		}

		snap, err := m.store.GetByID(ctx, id)
		if err != nil {
			if !storage.IsNotFound(err) {
				m.log.Error("erro ao carregar sessão do banco", zap.String("session_id", id), zap.Error(err))
				continue
			}
			snap = model.Session{ID: id, CreatedAt: time.Now()}
		}
		snap.Status = model.SessionStatusCreating
		snap.Detail = "Session restored from stored credentials."
		snap.QR = ""
		snap.QRImage = ""

		if snap.TokenHash == "" {
			token := uuid.NewString()
			now := time.Now()
			snap.TokenHash = HashToken(token)
			snap.TokenUpdatedAt = &now
			issued[id] = token
		}

		if !m.restoreOne(ctx, snap) {
			continue
		}
		m.log.Info("sessão restaurada", zap.String("session_id", id))
		m.start(id, true)
	}

	// Linhas sem credencial correspondem a pareamentos que nunca concluíram.
	stored, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("erro ao listar sessões persistidas", zap.Error(err))
	}
	for _, s := range stored {
		if known[s.ID] {
			continue
		}
		if _, ok := m.registry.Get(s.ID); ok {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil && !storage.IsNotFound(err) {
			m.log.Warn("erro ao remover sessão sem credenciais", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	if limit := m.opts.MaxSessions; limit > 0 && m.registry.Len() > limit {
		m.log.Warn("sessões restauradas excedem o limite configurado",
			zap.Int("sessions", m.registry.Len()), zap.Int("max", limit))
	}

	m.publish()
	return issued, nil
}

func (m *Manager) start(id string, restored bool) {
	sup := newSupervisor(m, id, restored)
	if !m.registry.attach(id, sup) {
		sup.cancel()
		close(sup.done)
		return
	}
	go sup.run()
}

func (m *Manager) Get(id string) (model.Session, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Manager) List() []model.Session {
	return m.registry.List()
}

func (m *Manager) Len() int {
	return m.registry.Len()
}

// IsConnected informa se a sessão existe e está CONNECTED.
func (m *Manager) IsConnected(id string) (connected, exists bool) {
	s, ok := m.registry.Get(id)
	if !ok {
		return false, false
	}
	return s.Status == model.SessionStatusConnected, true
}

// Attempts devolve o contador de reconexão corrente.
func (m *Manager) Attempts(id string) (int, bool) {
	sup, _, ok := m.registry.supervisor(id)
	if !ok || sup == nil {
		return 0, false
	}
	return int(sup.attempts.Load()), true
}

// Delete tenta logout gracioso e libera os recursos mesmo se ele falhar.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.ids.lock(ctx, id); err != nil {
		return err
	}
	defer m.ids.unlock(id)

	snap, sup, ok := m.registry.Remove(id, nil)
	if !ok {
		return ErrNotFound
	}

	if sup != nil {
		sup.stop()
		if tr := sup.swapTransport(nil); tr != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
			if err := tr.Logout(logoutCtx); err != nil {
				m.log.Warn("logout falhou, seguindo com a remoção", zap.String("session_id", id), zap.Error(err))
			}
			cancel()
			tr.Disconnect()
		}
	}

	m.log.Info("sessão removida pelo usuário", zap.String("session_id", id))
	m.purge(snap, "deleted")
	return nil
}

// purge apaga credenciais, linha persistida e notifica. A entrada já saiu do registro.
func (m *Manager) purge(snap model.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.factory.Purge(ctx, snap.ID); err != nil {
		m.log.Warn("erro ao remover credenciais", zap.String("session_id", snap.ID), zap.Error(err))
	}
	if err := m.store.Delete(ctx, snap.ID); err != nil && !storage.IsNotFound(err) {
		m.log.Warn("erro ao remover sessão do banco", zap.String("session_id", snap.ID), zap.Error(err))
	}

	m.publish()
	m.dispatch(snap, "session-deleted", map[string]any{
		"event":     "session-deleted",
		"sessionId": snap.ID,
		"reason":    reason,
	})
}

// RequestQR republica o código de pareamento vigente.
func (m *Manager) RequestQR(id string) (model.Session, error) {
	current, ok := m.registry.Get(id)
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if current.Status == model.SessionStatusConnected {
		return model.Session{}, ErrAlreadyConnected
	}
	if current.QR == "" {
		return model.Session{}, ErrNotPairing
	}

	next, ok := m.transition(id, func(s *model.Session) {
		s.Status = model.SessionStatusGeneratingQR
		s.Detail = "QR code requested by user."
	})
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return next, nil
}

func (m *Manager) RotateToken(ctx context.Context, id string) (string, error) {
	token := uuid.NewString()
	now := time.Now()
	next, ok := m.transition(id, func(s *model.Session) {
		s.TokenHash = HashToken(token)
		s.TokenUpdatedAt = &now
	})
	if !ok {
		return "", ErrNotFound
	}
	m.log.Info("token de sessão rotacionado", zap.String("session_id", next.ID))
	return token, nil
}

func (m *Manager) UpdateWebhook(ctx context.Context, id, url, secret string) (model.Session, error) {
	encrypted, err := crypto.EncryptString(secret, m.opts.EncryptionKey)
	if err != nil {
		return model.Session{}, fmt.Errorf("session: criptografar segredo: %w", err)
	}
	next, ok := m.transition(id, func(s *model.Session) {
		s.WebhookURL = url
		s.WebhookSecret = encrypted
	})
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return next, nil
}

// Authenticate resolve a sessão dona de um token.
func (m *Manager) Authenticate(token string) (model.Session, error) {
	if token == "" {
		return model.Session{}, ErrInvalidToken
	}
	hash := HashToken(token)
	for _, s := range m.registry.List() {
		if s.TokenHash == hash {
			return s, nil
		}
	}
	return model.Session{}, ErrInvalidToken
}

// Send entrega uma mensagem pela sessão respeitando o limite de envio por sessão.
func (m *Manager) Send(ctx context.Context, id, to string, msg OutboundMessage) (string, error) {
	sup, snap, ok := m.registry.supervisor(id)
	if !ok || sup == nil {
		return "", ErrNotFound
	}
	if snap.Status != model.SessionStatusConnected {
		return "", ErrNotConnected
	}
	if err := sup.limiter.Wait(ctx); err != nil {
		return "", err
	}
	tr := sup.current()
	if tr == nil {
		return "", ErrNotConnected
	}
	return tr.Send(ctx, to, msg)
}

// Close encerra os supervisores mantendo as credenciais para a próxima restauração.
func (m *Manager) Close() {
	for _, sup := range m.registry.supervisors() {
		sup.stop()
		if tr := sup.swapTransport(nil); tr != nil {
			tr.Disconnect()
		}
	}
	m.log.Info("supervisores de sessão encerrados")
}

// transition aplica fn no registro e replica para banco, barramento e webhook.
func (m *Manager) transition(id string, fn func(*model.Session)) (model.Session, bool) {
	prev, next, ok := m.registry.Update(id, func(s *model.Session) {
		fn(s)
		s.UpdatedAt = time.Now()
	})
	if !ok {
		return model.Session{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := m.store.Upsert(ctx, next); err != nil {
		m.log.Error("erro ao persistir sessão", zap.String("session_id", id), zap.Error(err))
	}

	m.publish()
	if prev.Status != next.Status {
		m.log.Debug("transição de sessão",
			zap.String("session_id", id),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(next.Status)),
		)
		m.dispatch(next, "session-status", statusPayload(next))
	}
	return next, true
}

func (m *Manager) publish() {
	m.mu.RLock()
	n := m.notifier
	m.mu.RUnlock()
	if n != nil {
		n.PublishSessions(m.registry.List())
	}
}

func (m *Manager) dispatch(s model.Session, event string, payload map[string]any) {
	m.mu.RLock()
	w := m.webhooks
	m.mu.RUnlock()
	if w != nil {
		w.Dispatch(context.Background(), s, event, payload)
	}
}

func (m *Manager) dispatchMessage(id string, msg InboundMessage) {
	s, ok := m.registry.Get(id)
	if !ok {
		return
	}
	m.dispatch(s, "new-message", map[string]any{
		"event":     "new-message",
		"sessionId": id,
		"from":      msg.From,
		"messageId": msg.ID,
		"timestamp": msg.Timestamp.Unix(),
		"data":      msg.Data,
	})
}

func statusPayload(s model.Session) map[string]any {
	return map[string]any{
		"event":     "session-status",
		"sessionId": s.ID,
		"status":    string(s.Status),
		"detail":    s.Detail,
		"reason":    s.Reason,
	}
}
