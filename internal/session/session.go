package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

var (
	ErrCapacity         = errors.New("session limit reached")
	ErrSessionExists    = errors.New("session already exists")
	ErrNotFound         = errors.New("session not found")
	ErrNotConnected     = errors.New("session not connected")
	ErrNotPairing       = errors.New("no pairing code available")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrInvalidID        = errors.New("invalid session id")
	ErrInvalidToken     = errors.New("invalid session token")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID indica se id pode ser usado como identificador de sessão.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpen
	EventClose
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Códigos de fechamento usados pelos adaptadores de transporte.
const (
	CodeLoggedOut      = 401
	CodeForbidden      = 403
	CodeTimeout        = 408
	CodeConnectionLost = 428
	CodeUnavailable    = 503
)

// Fatal indica fechamentos que invalidam a credencial; não há reconexão.
func Fatal(code int) bool {
	return code == CodeLoggedOut || code == CodeForbidden
}

type InboundMessage struct {
	ID        string
	From      string
	Timestamp time.Time
	Data      map[string]any
}

// Event é a única forma do transporte falar com o supervisor.
type Event struct {
	Kind     EventKind
	QR       string
	PushName string
	Code     int
	Reason   string
	Message  *InboundMessage
}

type OutboundMessage struct {
	Type     model.MessageType
	Text     string
	Media    []byte
	Mimetype string
	Caption  string
	FileName string
}

// Transport é a conexão com o provedor de mensagens de uma sessão.
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Send(ctx context.Context, to string, msg OutboundMessage) (string, error)
	Logout(ctx context.Context) error
	Disconnect()
}

// TransportFactory cria transportes e administra o material de autenticação.
type TransportFactory interface {
	New(ctx context.Context, sessionID string) (Transport, error)
	ListCredentials(ctx context.Context) ([]string, error)
	Purge(ctx context.Context, sessionID string) error
}

// Notifier recebe a lista completa de sessões após cada transição.
type Notifier interface {
	PublishSessions(sessions []model.Session)
}

// Webhooks entrega eventos de sessão para o endpoint configurado.
type Webhooks interface {
	Dispatch(ctx context.Context, sess model.Session, event string, payload map[string]any)
}

// HashToken é o formato persistido do token de sessão.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
