package notify

import (
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/open-apime/disparador/internal/storage/model"
)

const (
	topicSessions  = "session-update"
	topicBroadcast = "broadcast"

	defaultBuffer = 64
)

const (
	TypeSessionUpdate    = "session-update"
	TypeCampaignProgress = "campaign-progress"
	TypeCampaignStatus   = "campaign-status"
	TypeLog              = "log"
)

const RoleAdmin = "admin"

// Identity é o dono de uma assinatura. Zero value é um assinante anônimo.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (i Identity) Authenticated() bool { return i.UserID != "" }

func (i Identity) Admin() bool { return i.Role == RoleAdmin }

// Message é o que chega ao assinante. Cada tipo serializa no próprio formato.
type Message interface {
	MessageType() string
}

type SessionUpdate struct {
	Type string          `json:"type"`
	Data []model.Session `json:"data"`
}

func (SessionUpdate) MessageType() string { return TypeSessionUpdate }

type CampaignProgress struct {
	Type       string `json:"type"`
	CampaignID string `json:"campaignId"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
}

func (CampaignProgress) MessageType() string { return TypeCampaignProgress }

type CampaignStatus struct {
	Type       string               `json:"type"`
	CampaignID string               `json:"campaignId"`
	Status     model.CampaignStatus `json:"status"`
}

func (CampaignStatus) MessageType() string { return TypeCampaignStatus }

type LogLine struct {
	Type    string    `json:"type"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (LogLine) MessageType() string { return TypeLog }

// LogHook replica no barramento as entradas de log a partir de min. Apenas
// administradores recebem LogLine.
func (b *Bus) LogHook(min zapcore.Level) zap.Option {
	return zap.Hooks(func(e zapcore.Entry) error {
		if e.Level >= min {
			b.Broadcast(LogLine{Type: TypeLog, Level: e.Level.String(), Message: e.Message, Time: e.Time})
		}
		return nil
	})
}

// Bus distribui a lista de sessões (filtrada por assinante) e eventos
// transitórios para todos os assinantes autenticados.
type Bus struct {
	ps     *pubsub.PubSub
	buffer int
	log    *zap.Logger

	mu       sync.RWMutex
	sessions []model.Session
	closed   bool
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		ps:     pubsub.New(buffer),
		buffer: buffer,
		log:    log,
	}
}

// PublishSessions guarda o último snapshot e o envia aos assinantes.
func (b *Bus) PublishSessions(sessions []model.Session) {
	snapshot := append([]model.Session(nil), sessions...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.sessions = snapshot
	b.mu.Unlock()

	b.pub(snapshot, topicSessions)
}

func (b *Bus) CampaignProgress(c model.Campaign) {
	b.Broadcast(CampaignProgress{
		Type:       TypeCampaignProgress,
		CampaignID: c.ID,
		Total:      c.Statistics.Total,
		Sent:       c.Statistics.Sent,
		Failed:     c.Statistics.Failed,
		Pending:    c.Statistics.Pending,
	})
}

func (b *Bus) CampaignStatus(c model.Campaign) {
	b.Broadcast(CampaignStatus{Type: TypeCampaignStatus, CampaignID: c.ID, Status: c.Status})
}

// Broadcast envia msg sem alteração para todo assinante autenticado.
func (b *Bus) Broadcast(msg Message) {
	b.pub(msg, topicBroadcast)
}

// pub segura o RLock durante o envio para que Close não feche o pubsub no meio.
func (b *Bus) pub(msg interface{}, topic string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(msg, topic)
}

// Sessions devolve o último snapshot publicado, já filtrado para id.
func (b *Bus) Sessions(id Identity) []model.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return scope(b.sessions, id)
}

// Subscribe registra um assinante. A primeira mensagem é sempre a lista
// atual de sessões visível para id.
func (b *Bus) Subscribe(id Identity) *Subscription {
	topics := []string{topicSessions}
	if id.Authenticated() {
		topics = append(topics, topicBroadcast)
	}

	s := &Subscription{
		bus:      b,
		identity: id,
		out:      make(chan Message, b.buffer),
		done:     make(chan struct{}),
	}

	b.mu.RLock()
	closed := b.closed
	if !closed {
		s.in = b.ps.Sub(topics...)
	}
	initial := scope(b.sessions, id)
	b.mu.RUnlock()

	s.out <- SessionUpdate{Type: TypeSessionUpdate, Data: initial}
	if closed {
		close(s.out)
		close(s.done)
		return s
	}

	go s.forward()
	return s
}

// Close encerra todos os assinantes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.ps.Shutdown()
}

func scope(sessions []model.Session, id Identity) []model.Session {
	out := make([]model.Session, 0, len(sessions))
	if !id.Authenticated() {
		return out
	}
	for _, s := range sessions {
		if id.Admin() || s.OwnerUserID == id.UserID {
			out = append(out, s)
		}
	}
	return out
}

// Subscription entrega mensagens a um assinante. Mensagens que não cabem no
// buffer são descartadas para não travar o barramento.
type Subscription struct {
	bus      *Bus
	identity Identity
	in       chan interface{}
	out      chan Message
	done     chan struct{}
	once     sync.Once
	dropped  int
}

func (s *Subscription) Identity() Identity { return s.identity }

// Messages fecha quando a assinatura termina.
func (s *Subscription) Messages() <-chan Message { return s.out }

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.in == nil {
			return
		}
		// Shutdown já fecha os canais; Unsub depois dele bloquearia.
		go func() {
			s.bus.mu.RLock()
			defer s.bus.mu.RUnlock()
			if !s.bus.closed {
				s.bus.ps.Unsub(s.in)
			}
		}()
	})
	<-s.done
}

func (s *Subscription) forward() {
	defer close(s.done)
	defer close(s.out)

	for raw := range s.in {
		var msg Message
		switch v := raw.(type) {
		case []model.Session:
			msg = SessionUpdate{Type: TypeSessionUpdate, Data: scope(v, s.identity)}
		case LogLine:
			if !s.identity.Admin() {
				continue
			}
			msg = v
		case Message:
			msg = v
		default:
			continue
		}

		select {
		case s.out <- msg:
		default:
			s.dropped++
			s.bus.log.Warn("assinante lento, mensagem descartada",
				zap.String("user_id", s.identity.UserID),
				zap.String("type", msg.MessageType()),
				zap.Int("dropped", s.dropped),
			)
		}
	}
}
