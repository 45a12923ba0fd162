package whatsmeow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage/model"
)

var (
	ErrInvalidPayload       = errors.New("payload inválido")
	ErrUnsupportedMediaType = errors.New("tipo de mídia não suportado")
	ErrNotLoggedIn          = errors.New("cliente não está logado")
)

// Códigos usados quando o whatsmeow não informa um status numérico.
const (
	codeStreamError     = 500
	codeClientOutdated  = 405
	codeStreamReplaced  = 440
	codePairError       = 400
	eventBufferCapacity = 64
)

type transport struct {
	id      string
	client  *whatsmeow.Client
	db      *sql.DB // store exclusivo da sessão (sqlite); nil no postgres
	factory *Factory
	log     *zap.Logger
	sent    *sentCache

	events  chan session.Event
	done    chan struct{}
	once    sync.Once
	handler uint32

	qrCancel context.CancelFunc
}

var _ session.Transport = (*transport)(nil)

func newTransport(id string, client *whatsmeow.Client, f *Factory, log *zap.Logger) *transport {
	t := &transport{
		id:      id,
		client:  client,
		factory: f,
		log:     log,
		sent:    newSentCache(500),
		events:  make(chan session.Event, eventBufferCapacity),
		done:    make(chan struct{}),
	}
	client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
		return t.sent.get(to, id)
	}
	t.handler = client.AddEventHandler(t.handleEvent)
	return t
}

func (t *transport) Events() <-chan session.Event {
	return t.events
}

// emit entrega o evento ao supervisor; depois de Disconnect, descarta.
func (t *transport) emit(evt session.Event) {
	select {
	case t.events <- evt:
	case <-t.done:
	}
}

// Connect abre o websocket. Sem credenciais, os códigos do canal de QR
// viram eventos de pareamento.
func (t *transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := t.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsmeow: obter canal QR: %w", err)
		}
		t.qrCancel = cancel
		go t.monitorQRChannel(qrChan)
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("whatsmeow: conectar: %w", err)
	}
	return nil
}

func (t *transport) monitorQRChannel(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if item.Code == "" {
				continue
			}
			t.log.Debug("QR code recebido", zap.Duration("timeout", item.Timeout))
			t.emit(session.Event{Kind: session.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			t.log.Info("pareamento concluído com sucesso")
		case whatsmeow.QRChannelTimeout.Event:
			t.emit(session.Event{Kind: session.EventClose, Code: session.CodeTimeout, Reason: "QR code expired"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing error"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			t.emit(session.Event{Kind: session.EventClose, Code: session.CodeUnavailable, Reason: reason})
		default:
			t.emit(session.Event{Kind: session.EventClose, Code: codePairError, Reason: item.Event})
		}
	}
}

func (t *transport) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		t.log.Info("device pareado", zap.String("jid", v.ID.String()))
		t.factory.bind(context.Background(), t.id, v.ID)
		return
	case *events.Connected:
		pushName := ""
		if t.client.Store != nil {
			pushName = t.client.Store.PushName
		}
		go func() {
			_ = t.client.SendPresence(context.Background(), types.PresenceAvailable)
		}()
		t.emit(session.Event{Kind: session.EventOpen, PushName: pushName})
		return
	}

	if out, ok := translate(evt); ok {
		t.emit(out)
	}
}

// translate converte os eventos do whatsmeow que não dependem do cliente.
func translate(evt any) (session.Event, bool) {
	switch v := evt.(type) {
	case *events.Disconnected:
		return session.Event{Kind: session.EventClose, Code: session.CodeConnectionLost, Reason: "connection lost"}, true
	case *events.LoggedOut:
		return session.Event{Kind: session.EventClose, Code: session.CodeLoggedOut, Reason: "logged out: " + v.Reason.String()}, true
	case *events.TemporaryBan:
		return session.Event{Kind: session.EventClose, Code: session.CodeForbidden, Reason: "temporary ban: " + v.Code.String()}, true
	case *events.ConnectFailure:
		reason := v.Reason.String()
		if v.Message != "" {
			reason += ": " + v.Message
		}
		return session.Event{Kind: session.EventClose, Code: int(v.Reason), Reason: reason}, true
	case *events.StreamError:
		return session.Event{Kind: session.EventClose, Code: codeStreamError, Reason: "stream error " + v.Code}, true
	case *events.StreamReplaced:
		return session.Event{Kind: session.EventClose, Code: codeStreamReplaced, Reason: "stream replaced"}, true
	case *events.ClientOutdated:
		return session.Event{Kind: session.EventClose, Code: codeClientOutdated, Reason: "client outdated"}, true
	case *events.PairError:
		reason := "pair error"
		if v.Error != nil {
			reason = v.Error.Error()
		}
		return session.Event{Kind: session.EventClose, Code: codePairError, Reason: reason}, true
	case *events.Message:
		if v.Info.IsFromMe {
			return session.Event{}, false
		}
		msg := inboundMessage(v)
		return session.Event{Kind: session.EventMessage, Message: &msg}, true
	}
	return session.Event{}, false
}

func inboundMessage(v *events.Message) session.InboundMessage {
	data := map[string]any{
		"chat":     v.Info.Chat.String(),
		"pushName": v.Info.PushName,
		"isGroup":  v.Info.IsGroup,
	}

	m := v.Message
	switch {
	case m.GetConversation() != "":
		data["type"] = "text"
		data["text"] = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		data["type"] = "text"
		data["text"] = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		data["type"] = "image"
		data["caption"] = m.GetImageMessage().GetCaption()
		data["mimetype"] = m.GetImageMessage().GetMimetype()
	case m.GetVideoMessage() != nil:
		data["type"] = "video"
		data["caption"] = m.GetVideoMessage().GetCaption()
		data["mimetype"] = m.GetVideoMessage().GetMimetype()
	case m.GetDocumentMessage() != nil:
		data["type"] = "document"
		data["fileName"] = m.GetDocumentMessage().GetFileName()
		data["mimetype"] = m.GetDocumentMessage().GetMimetype()
	case m.GetAudioMessage() != nil:
		data["type"] = "audio"
	default:
		data["type"] = "other"
	}

	return session.InboundMessage{
		ID:        v.Info.ID,
		From:      v.Info.Sender.ToNonAD().String(),
		Timestamp: v.Info.Timestamp,
		Data:      data,
	}
}

func (t *transport) Send(ctx context.Context, to string, msg session.OutboundMessage) (string, error) {
	if !t.client.IsLoggedIn() {
		return "", ErrNotLoggedIn
	}

	jid, err := t.factory.resolveJID(ctx, t.client, to)
	if err != nil {
		return "", err
	}

	waMessage, err := t.buildMessage(ctx, msg)
	if err != nil {
		return "", err
	}

	_ = t.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)

	resp, err := t.client.SendMessage(ctx, jid, waMessage)
	if err != nil {
		return "", fmt.Errorf("whatsmeow: enviar mensagem: %w", err)
	}
	t.sent.put(jid, resp.ID, waMessage)

	t.log.Debug("mensagem enviada",
		zap.String("to", jid.String()),
		zap.String("message_id", resp.ID),
		zap.String("type", string(msg.Type)),
	)
	return resp.ID, nil
}

func (t *transport) buildMessage(ctx context.Context, msg session.OutboundMessage) (*waE2E.Message, error) {
	switch msg.Type {
	case model.MessageTypeText, "":
		if msg.Text == "" {
			return nil, ErrInvalidPayload
		}
		return &waE2E.Message{Conversation: proto.String(msg.Text)}, nil

	case model.MessageTypeImage:
		if len(msg.Media) == 0 {
			return nil, ErrInvalidPayload
		}
		up, err := t.client.Upload(ctx, msg.Media, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("erro ao fazer upload da mídia: %w", err)
		}
		image := &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(msg.Mimetype),
		}
		if msg.Caption != "" {
			image.Caption = proto.String(msg.Caption)
		}
		return &waE2E.Message{ImageMessage: image}, nil

	case model.MessageTypeVideo:
		if len(msg.Media) == 0 {
			return nil, ErrInvalidPayload
		}
		up, err := t.client.Upload(ctx, msg.Media, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("erro ao fazer upload da mídia: %w", err)
		}
		video := &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(msg.Mimetype),
		}
		if msg.Caption != "" {
			video.Caption = proto.String(msg.Caption)
		}
		return &waE2E.Message{VideoMessage: video}, nil

	case model.MessageTypeDocument:
		if len(msg.Media) == 0 {
			return nil, ErrInvalidPayload
		}
		up, err := t.client.Upload(ctx, msg.Media, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("erro ao fazer upload do documento: %w", err)
		}
		fileName := msg.FileName
		if fileName == "" {
			fileName = "document"
		}
		doc := &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(msg.Mimetype),
			FileName:      proto.String(fileName),
			Title:         proto.String(fileName),
		}
		if msg.Caption != "" {
			doc.Caption = proto.String(msg.Caption)
		}
		return &waE2E.Message{DocumentMessage: doc}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, msg.Type)
}

func (t *transport) Logout(ctx context.Context) error {
	if t.client.Store.ID == nil {
		return nil
	}
	if err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("whatsmeow: logout: %w", err)
	}
	t.log.Info("logout concluído")
	return nil
}

// Disconnect fecha a conexão sem apagar credenciais. Idempotente.
func (t *transport) Disconnect() {
	t.once.Do(func() {
		close(t.done)
		if t.qrCancel != nil {
			t.qrCancel()
		}
		t.client.RemoveEventHandler(t.handler)
		t.client.Disconnect()
		if t.db != nil {
			if err := t.db.Close(); err != nil {
				t.log.Warn("erro ao fechar store da sessão", zap.Error(err))
			}
		}
	})
}
