package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/open-apime/disparador/internal/pkg/response"
	"github.com/open-apime/disparador/internal/storage/model"
)

const (
	CtxUserID    = "userID"
	CtxUserEmail = "userEmail"
	CtxUserRole  = "userRole"
	CtxSessionID = "sessionID"
	CtxAuthType  = "authType"

	AuthTypeUser    = "user_jwt"
	AuthTypeSession = "session_token"

	RoleAdmin = "admin"
)

var errInvalidClaims = errors.New("claims inválidas")

// SessionAuthenticator resolve tokens de sessão.
type SessionAuthenticator interface {
	Authenticate(token string) (model.Session, error)
}

// AuthOption configura o middleware de autenticação.
type AuthOption struct {
	JWTSecret string
	Sessions  SessionAuthenticator
}

// Claims são os campos lidos do JWT de usuário.
type Claims struct {
	UserID string
	Email  string
	Role   string
}

func Auth(secret string) gin.HandlerFunc {
	return AuthWithOptions(AuthOption{JWTSecret: secret})
}

// AuthWithOptions aceita JWT de usuário e, se configurado, token de sessão.
func AuthWithOptions(opts AuthOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			response.ErrorWithMessage(c, http.StatusUnauthorized, "token ausente")
			return
		}

		if claims, err := ParseUserToken(opts.JWTSecret, token); err == nil {
			c.Set(CtxUserID, claims.UserID)
			c.Set(CtxUserEmail, claims.Email)
			c.Set(CtxUserRole, claims.Role)
			c.Set(CtxAuthType, AuthTypeUser)
			c.Next()
			return
		}

		if opts.Sessions != nil {
			if sess, err := opts.Sessions.Authenticate(token); err == nil {
				c.Set(CtxSessionID, sess.ID)
				c.Set(CtxAuthType, AuthTypeSession)
				c.Next()
				return
			}
		}

		response.ErrorWithMessage(c, http.StatusUnauthorized, "token inválido")
	}
}

// ParseUserToken valida um JWT HMAC e extrai sub, email e role.
func ParseUserToken(secret, tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("método de assinatura inesperado: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, errInvalidClaims
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return Claims{}, errInvalidClaims
	}
	email, _ := mc["email"].(string)
	role, _ := mc["role"].(string)
	return Claims{UserID: sub, Email: email, Role: role}, nil
}
