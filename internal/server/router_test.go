package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/api/handler"
	"github.com/open-apime/disparador/internal/api/middleware"
	"github.com/open-apime/disparador/internal/notify"
	limiter_memory "github.com/open-apime/disparador/internal/pkg/ratelimiter/memory"
)

type emptyRegistry struct{}

func (emptyRegistry) Len() int { return 0 }

func newTestRouter(ipRequests int) http.Handler {
	log := zap.NewNop()
	bus := notify.NewBus(8, log)
	tokens := notify.NewMemoryTokenStore(time.Minute)
	return NewRouter(Options{
		Env:             "test",
		AuthSecret:      "segredo",
		HealthHandler:   handler.NewHealthHandler(emptyRegistry{}),
		SessionHandler:  handler.NewSessionHandler(nil, nil, log),
		CampaignHandler: handler.NewCampaignHandler(nil, nil, log),
		NotifyHandler:   handler.NewNotifyHandler(tokens, notify.NewServer(bus, tokens, log), log),
		IPRateLimit: middleware.IPRateLimitOption{
			Enabled:  true,
			Requests: ipRequests,
			Window:   time.Minute,
			Limiter:  limiter_memory.NewLimiter(),
		},
	})
}

func TestRouterHealthIsPublicAndTagged(t *testing.T) {
	r := newTestRouter(10)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/api/", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(middleware.HeaderRequestID))
}

func TestRouterProtectsAPI(t *testing.T) {
	r := newTestRouter(10)

	for _, path := range []string{"/api/sessions", "/api/campaigns"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRouterLimitsByIP(t *testing.T) {
	r := newTestRouter(2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}
