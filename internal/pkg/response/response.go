package response

import (
	"github.com/gin-gonic/gin"
)

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func Success(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Data: data})
}

func Error(c *gin.Context, status int, err error) {
	msg := "erro desconhecido"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, envelope{Error: msg, Code: codeFor(status)})
}

func ErrorWithMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, envelope{Error: msg, Code: codeFor(status)})
}

// ErrorWithCode permite uma categoria específica além do status HTTP.
func ErrorWithCode(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, envelope{Error: err.Error(), Code: code})
}

func codeFor(status int) string {
	switch {
	case status == 400:
		return "validation"
	case status == 401:
		return "unauthorized"
	case status == 403:
		return "forbidden"
	case status == 404:
		return "not_found"
	case status == 409:
		return "conflict"
	case status == 429:
		return "capacity"
	case status >= 500:
		return "internal"
	}
	return ""
}
