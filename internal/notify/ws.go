package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 4096
)

// Server atende assinantes via WebSocket em /ws?token=...
type Server struct {
	bus      *Bus
	tokens   TokenStore
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(bus *Bus, tokens TokenStore, log *zap.Logger) *Server {
	return &Server{
		bus:    bus,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Authenticate troca o token pela identidade. Token ausente ou inválido
// resulta em assinante anônimo.
func (s *Server) Authenticate(ctx context.Context, token string) Identity {
	if token == "" {
		return Identity{}
	}
	id, err := s.tokens.Consume(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrTokenInvalid) {
			s.log.Warn("erro ao validar token do websocket", zap.Error(err))
		}
		return Identity{}
	}
	return id
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := s.Authenticate(r.Context(), r.URL.Query().Get("token"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("falha no upgrade do websocket", zap.Error(err))
		return
	}

	log := s.log.With(zap.String("user_id", id.UserID), zap.String("remote_addr", r.RemoteAddr))
	log.Info("assinante conectado", zap.Bool("authenticated", id.Authenticated()))

	sub := s.bus.Subscribe(id)
	done := make(chan struct{})
	go s.writeLoop(conn, sub, done, log)

	s.readLoop(conn)
	close(done)
	sub.Close()
	log.Info("assinante desconectado")
}

// readLoop só consome frames de controle; termina quando o cliente fecha.
func (s *Server) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *Subscription, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn("falha ao escrever no websocket, encerrando", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
