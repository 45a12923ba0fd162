package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/open-apime/disparador/internal/storage/model"
)

type action int

const (
	actionNone action = iota
	actionReconnect
	actionTeardown
)

// supervisor conduz a máquina de estados de uma sessão. Eventos do
// transporte, timers de reconexão e de inatividade são tratados por uma
// única goroutine; o cancelamento de ctx encerra todos eles juntos.
type supervisor struct {
	id       string
	m        *Manager
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	limiter  *rate.Limiter
	restored bool

	mu        sync.Mutex
	transport Transport

	attempts       atomic.Int32
	everConnected  atomic.Bool
	teardownReason string
}

func newSupervisor(m *Manager, id string, restored bool) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	limit := rate.Inf
	if m.opts.SendRate > 0 {
		limit = rate.Limit(m.opts.SendRate)
	}

	return &supervisor{
		id:       id,
		m:        m,
		log:      m.log.With(zap.String("session_id", id)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(limit, 1),
		restored: restored,
	}
}

func (s *supervisor) current() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *supervisor) swapTransport(tr Transport) Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.transport
	s.transport = tr
	return old
}

// stop cancela o loop e espera sua saída. O transporte fica com o chamador.
func (s *supervisor) stop() {
	s.cancel()
	<-s.done
}

func (s *supervisor) run() {
	defer close(s.done)

	inactivity := time.NewTimer(s.m.opts.InactivityTimeout)
	defer inactivity.Stop()

	var (
		reconnect  *time.Timer
		reconnectC <-chan time.Time
	)
	defer func() {
		if reconnect != nil {
			reconnect.Stop()
		}
	}()

	detail := "Initializing session..."
	if s.restored {
		detail = "Session restored from stored credentials."
	}
	next := s.dial(detail)

	for {
		switch next {
		case actionTeardown:
			s.teardown(s.teardownReason)
			return
		case actionReconnect:
			s.log.Info("reconexão agendada",
				zap.Int32("attempt", s.attempts.Load()),
				zap.Int("max", s.m.opts.ReconnectMax),
				zap.Duration("delay", s.m.opts.ReconnectDelay),
			)
			reconnect = time.NewTimer(s.m.opts.ReconnectDelay)
			reconnectC = reconnect.C
		}
		next = actionNone

		var events <-chan Event
		if tr := s.current(); tr != nil {
			events = tr.Events()
		}

		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				evt = Event{Kind: EventClose, Code: CodeConnectionLost, Reason: "transport closed"}
			}
			next = s.handle(evt)
		case <-reconnectC:
			reconnectC = nil
			next = s.dial("Reconnecting...")
		case <-inactivity.C:
			if !s.everConnected.Load() {
				s.log.Warn("sessão não conectou dentro do prazo, removendo",
					zap.Duration("timeout", s.m.opts.InactivityTimeout))
				s.teardownReason = "inactivity timeout"
				next = actionTeardown
			}
		}
	}
}

func (s *supervisor) dial(detail string) action {
	s.m.transition(s.id, func(ss *model.Session) {
		ss.Status = model.SessionStatusConnecting
		ss.Detail = detail
		ss.QR = ""
		ss.QRImage = ""
	})

	tr, err := s.m.factory.New(s.ctx, s.id)
	if err != nil {
		if s.ctx.Err() != nil {
			return actionNone
		}
		s.log.Error("erro ao criar transporte", zap.Error(err))
		return s.closed(CodeUnavailable, err.Error())
	}
	s.swapTransport(tr)

	if err := tr.Connect(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return actionNone
		}
		s.log.Error("erro ao conectar transporte", zap.Error(err))
		return s.closed(CodeUnavailable, err.Error())
	}
	return actionNone
}

func (s *supervisor) handle(evt Event) action {
	switch evt.Kind {
	case EventQR:
		image, err := renderQR(evt.QR)
		if err != nil {
			s.log.Warn("erro ao renderizar QR code", zap.Error(err))
		}
		s.m.transition(s.id, func(ss *model.Session) {
			ss.Status = model.SessionStatusGeneratingQR
			ss.Detail = "QR code available."
			ss.QR = evt.QR
			ss.QRImage = image
		})

	case EventOpen:
		s.attempts.Store(0)
		s.everConnected.Store(true)
		detail := "Connected"
		if evt.PushName != "" {
			detail = "Connected as " + evt.PushName
		}
		s.m.transition(s.id, func(ss *model.Session) {
			ss.Status = model.SessionStatusConnected
			ss.Detail = detail
			ss.QR = ""
			ss.QRImage = ""
			ss.Reason = ""
		})
		s.log.Info("sessão conectada", zap.String("push_name", evt.PushName))

	case EventClose:
		return s.closed(evt.Code, evt.Reason)

	case EventMessage:
		if evt.Message != nil {
			s.m.dispatchMessage(s.id, *evt.Message)
		}
	}
	return actionNone
}

// closed aplica a política de reconexão após um fechamento do transporte.
func (s *supervisor) closed(code int, reason string) action {
	if tr := s.swapTransport(nil); tr != nil {
		tr.Disconnect()
	}

	s.m.transition(s.id, func(ss *model.Session) {
		ss.Status = model.SessionStatusDisconnected
		ss.Detail = "Connection closed."
		ss.Reason = reason
		ss.QR = ""
		ss.QRImage = ""
	})

	attempts := int(s.attempts.Load())
	s.log.Warn("conexão encerrada",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)

	if Fatal(code) {
		s.teardownReason = reason
		return actionTeardown
	}
	if attempts >= s.m.opts.ReconnectMax {
		s.teardownReason = "reconnect attempts exhausted"
		return actionTeardown
	}
	s.attempts.Add(1)
	return actionReconnect
}

// teardown remove a sessão por decisão do próprio supervisor. Se a remoção
// já foi reivindicada por Delete, não faz nada: Delete cancela ctx antes de
// esperar o loop, o que libera a espera pelo id.
func (s *supervisor) teardown(reason string) {
	if err := s.m.ids.lock(s.ctx, s.id); err != nil {
		return
	}
	defer s.m.ids.unlock(s.id)

	snap, _, ok := s.m.registry.Remove(s.id, s)
	if !ok {
		return
	}
	if tr := s.swapTransport(nil); tr != nil {
		tr.Disconnect()
	}

	s.log.Warn("sessão removida", zap.String("reason", reason))
	s.m.purge(snap, reason)
}
