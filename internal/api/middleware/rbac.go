package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-apime/disparador/internal/pkg/response"
)

// RequireUser recusa chamadas autenticadas apenas por token de sessão.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxAuthType) != AuthTypeUser {
			response.ErrorWithMessage(c, http.StatusForbidden, "endpoint disponível apenas com token de usuário")
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxAuthType) != AuthTypeUser {
			response.ErrorWithMessage(c, http.StatusUnauthorized, "usuário não autenticado")
			return
		}
		if c.GetString(CtxUserRole) != RoleAdmin {
			response.ErrorWithMessage(c, http.StatusForbidden, "acesso negado: apenas administradores")
			return
		}
		c.Next()
	}
}

func IsAdmin(c *gin.Context) bool {
	return c.GetString(CtxAuthType) == AuthTypeUser && c.GetString(CtxUserRole) == RoleAdmin
}
