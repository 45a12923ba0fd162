package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/api/middleware"
	"github.com/open-apime/disparador/internal/pkg/response"
	"github.com/open-apime/disparador/internal/service/campaign"
	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage/model"
)

// SessionManager é a parte do gerenciador de sessões usada pela API.
type SessionManager interface {
	Create(ctx context.Context, in session.CreateInput) (model.Session, string, error)
	Get(id string) (model.Session, error)
	List() []model.Session
	Delete(ctx context.Context, id string) error
	RequestQR(id string) (model.Session, error)
	RotateToken(ctx context.Context, id string) (string, error)
	UpdateWebhook(ctx context.Context, id, url, secret string) (model.Session, error)
	Send(ctx context.Context, id, to string, msg session.OutboundMessage) (string, error)
}

type SessionHandler struct {
	sessions SessionManager
	media    campaign.MediaFetcher
	log      *zap.Logger
}

func NewSessionHandler(sessions SessionManager, media campaign.MediaFetcher, log *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, media: media, log: log}
}

func (h *SessionHandler) Register(r *gin.RouterGroup) {
	user := r.Group("", middleware.RequireUser())
	user.GET("/sessions", h.list)
	user.POST("/sessions", h.create)
	user.DELETE("/sessions/:id", h.delete)
	user.POST("/sessions/:id/token/rotate", h.rotateToken)
	user.PUT("/sessions/:id/webhook", h.updateWebhook)

	// aceitam também o token da própria sessão
	r.GET("/sessions/:id", h.get)
	r.POST("/sessions/:id/qr", h.requestQR)
	r.POST("/sessions/:id/messages", h.send)
}

type createSessionRequest struct {
	SessionID     string `json:"sessionId" binding:"required"`
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
	System        bool   `json:"system"`
}

type createSessionResponse struct {
	model.Session
	Token string `json:"token"`
}

type updateWebhookRequest struct {
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

type sendMessageRequest struct {
	To       string            `json:"to" binding:"required"`
	Type     model.MessageType `json:"type"`
	Text     string            `json:"text"`
	MediaURL string            `json:"mediaUrl"`
	Caption  string            `json:"caption"`
	FileName string            `json:"fileName"`
}

// authorize devolve a sessão se o chamador puder operá-la. Sessões alheias
// respondem 404 para não revelar existência.
func (h *SessionHandler) authorize(c *gin.Context) (model.Session, bool) {
	id := c.Param("id")
	sess, err := h.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return model.Session{}, false
	}

	switch c.GetString(middleware.CtxAuthType) {
	case middleware.AuthTypeSession:
		if c.GetString(middleware.CtxSessionID) == id {
			return sess, true
		}
		response.ErrorWithMessage(c, http.StatusForbidden, "token inválido para esta sessão")
		return model.Session{}, false
	case middleware.AuthTypeUser:
		if middleware.IsAdmin(c) || sess.OwnerUserID == c.GetString(middleware.CtxUserID) {
			return sess, true
		}
	}
	writeError(c, session.ErrNotFound)
	return model.Session{}, false
}

func (h *SessionHandler) list(c *gin.Context) {
	all := h.sessions.List()
	if middleware.IsAdmin(c) {
		response.Success(c, http.StatusOK, all)
		return
	}
	userID := c.GetString(middleware.CtxUserID)
	out := make([]model.Session, 0, len(all))
	for _, s := range all {
		if s.OwnerUserID == userID {
			out = append(out, s)
		}
	}
	response.Success(c, http.StatusOK, out)
}

func (h *SessionHandler) create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}
	if req.System && !middleware.IsAdmin(c) {
		response.ErrorWithMessage(c, http.StatusForbidden, "apenas administradores criam sessões do sistema")
		return
	}

	owner := c.GetString(middleware.CtxUserID)
	if req.System {
		owner = ""
	}

	snap, token, err := h.sessions.Create(c.Request.Context(), session.CreateInput{
		ID:            strings.TrimSpace(req.SessionID),
		OwnerUserID:   owner,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, createSessionResponse{Session: snap, Token: token})
}

func (h *SessionHandler) get(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, sess)
}

func (h *SessionHandler) delete(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), sess.ID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessionId": sess.ID, "deleted": true})
}

func (h *SessionHandler) requestQR(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	next, err := h.sessions.RequestQR(sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, next)
}

func (h *SessionHandler) rotateToken(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	token, err := h.sessions.RotateToken(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessionId": sess.ID, "token": token})
}

func (h *SessionHandler) updateWebhook(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}
	next, err := h.sessions.UpdateWebhook(c.Request.Context(), sess.ID, strings.TrimSpace(req.WebhookURL), req.WebhookSecret)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, next)
}

func (h *SessionHandler) send(c *gin.Context) {
	sess, ok := h.authorize(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}

	to := strings.TrimSpace(req.To)
	if !strings.Contains(to, "@") {
		normalized, ok := campaign.NormalizeNumber(to)
		if !ok {
			response.ErrorWithMessage(c, http.StatusBadRequest, "número de destino inválido")
			return
		}
		to = normalized
	}

	msg, err := h.outbound(c.Request.Context(), req)
	if err != nil {
		response.Error(c, http.StatusBadRequest, err)
		return
	}

	id, err := h.sessions.Send(c.Request.Context(), sess.ID, to, msg)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) || errors.Is(err, session.ErrNotFound) {
			writeError(c, err)
			return
		}
		h.log.Warn("falha no envio direto", zap.String("session_id", sess.ID), zap.Error(err))
		response.ErrorWithCode(c, http.StatusBadGateway, "send_failed", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessionId": sess.ID, "to": to, "messageId": id})
}

func (h *SessionHandler) outbound(ctx context.Context, req sendMessageRequest) (session.OutboundMessage, error) {
	switch req.Type {
	case "", model.MessageTypeText:
		if strings.TrimSpace(req.Text) == "" {
			return session.OutboundMessage{}, errors.New("text é obrigatório")
		}
		return session.OutboundMessage{Type: model.MessageTypeText, Text: req.Text}, nil
	case model.MessageTypeImage, model.MessageTypeVideo, model.MessageTypeDocument:
		if req.MediaURL == "" {
			return session.OutboundMessage{}, errors.New("mediaUrl é obrigatório para mídia")
		}
		if h.media == nil {
			return session.OutboundMessage{}, errors.New("armazenamento de mídia indisponível")
		}
		m, err := h.media.Fetch(ctx, req.MediaURL)
		if err != nil {
			return session.OutboundMessage{}, err
		}
		fileName := req.FileName
		if fileName == "" {
			fileName = m.FileName
		}
		return session.OutboundMessage{
			Type:     req.Type,
			Media:    m.Data,
			Mimetype: m.Mimetype,
			Caption:  req.Caption,
			FileName: fileName,
		}, nil
	}
	return session.OutboundMessage{}, errors.New("type deve ser text, image, video ou document")
}
