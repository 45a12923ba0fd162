package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-apime/disparador/internal/pkg/response"
	"github.com/open-apime/disparador/internal/service/campaign"
	"github.com/open-apime/disparador/internal/session"
)

// writeError traduz os sentinelas dos serviços em status HTTP e categoria.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrCapacity):
		response.ErrorWithCode(c, http.StatusTooManyRequests, "capacity", err)
	case errors.Is(err, session.ErrSessionExists):
		response.ErrorWithCode(c, http.StatusConflict, "session_exists", err)
	case errors.Is(err, session.ErrInvalidID):
		response.Error(c, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, err)
	case errors.Is(err, session.ErrNotConnected):
		response.ErrorWithCode(c, http.StatusConflict, "not_connected", err)
	case errors.Is(err, session.ErrNotPairing), errors.Is(err, session.ErrAlreadyConnected):
		response.Error(c, http.StatusConflict, err)
	case errors.Is(err, campaign.ErrValidation):
		response.Error(c, http.StatusBadRequest, err)
	case errors.Is(err, campaign.ErrInvalidTransition):
		response.ErrorWithCode(c, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, campaign.ErrNothingToRetry), errors.Is(err, campaign.ErrNoRecipients):
		response.ErrorWithCode(c, http.StatusUnprocessableEntity, "unprocessable", err)
	default:
		response.ErrorWithMessage(c, http.StatusInternalServerError, "erro interno")
	}
}
