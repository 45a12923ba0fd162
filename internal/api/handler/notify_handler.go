package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/api/middleware"
	"github.com/open-apime/disparador/internal/notify"
	"github.com/open-apime/disparador/internal/pkg/response"
)

type NotifyHandler struct {
	tokens notify.TokenStore
	server http.Handler
	log    *zap.Logger
}

func NewNotifyHandler(tokens notify.TokenStore, server http.Handler, log *zap.Logger) *NotifyHandler {
	return &NotifyHandler{tokens: tokens, server: server, log: log}
}

// Register expõe a emissão de tokens; o grupo já deve exigir autenticação.
func (h *NotifyHandler) Register(r *gin.RouterGroup) {
	r.POST("/ws-token", middleware.RequireUser(), h.issueToken)
}

// Stream é a rota pública do websocket.
func (h *NotifyHandler) Stream(c *gin.Context) {
	h.server.ServeHTTP(c.Writer, c.Request)
}

func (h *NotifyHandler) issueToken(c *gin.Context) {
	token, err := h.tokens.Issue(c.Request.Context(), notify.Identity{
		UserID: c.GetString(middleware.CtxUserID),
		Email:  c.GetString(middleware.CtxUserEmail),
		Role:   c.GetString(middleware.CtxUserRole),
	})
	if err != nil {
		h.log.Error("erro ao emitir token de websocket", zap.Error(err))
		response.ErrorWithMessage(c, http.StatusInternalServerError, "erro interno")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"token": token})
}
