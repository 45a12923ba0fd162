package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/pkg/crypto"
	"github.com/open-apime/disparador/internal/pkg/queue/memory"
	"github.com/open-apime/disparador/internal/storage/model"
	"github.com/open-apime/disparador/internal/webhook/delivery"
)

const testKey = "chave-de-teste"

type received struct {
	body      map[string]any
	signature string
}

type receiver struct {
	mu     sync.Mutex
	calls  []received
	status int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	raw, _ := io.ReadAll(req.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	r.mu.Lock()
	r.calls = append(r.calls, received{body: body, signature: req.Header.Get(delivery.SignatureHeader)})
	status := r.status
	r.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *receiver) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.calls...)
}

func startPool(t *testing.T, defaultURL, defaultSecret string) (*Dispatcher, *Pool) {
	t.Helper()
	q := memory.NewQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	d, err := NewDispatcher(q, defaultURL, defaultSecret, testKey, zap.NewNop())
	require.NoError(t, err)

	p := NewPool(q, delivery.NewDelivery(zap.NewNop(), time.Second), testKey, zap.NewNop(), 2)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return d, p
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d, _ := startPool(t, "", "")

	secret, err := crypto.EncryptString("s3cr3t", testKey)
	require.NoError(t, err)
	sess := model.Session{ID: "vendas", WebhookURL: srv.URL, WebhookSecret: secret}

	d.Dispatch(context.Background(), sess, "session-status", map[string]any{
		"event":     "session-status",
		"sessionId": "vendas",
		"status":    "CONNECTED",
		"detail":    "Connected as Loja",
	})

	require.Eventually(t, func() bool { return len(rcv.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := rcv.snapshot()[0]
	assert.Equal(t, "session-status", call.body["event"])
	assert.Equal(t, "vendas", call.body["sessionId"])
	assert.Equal(t, "CONNECTED", call.body["status"])

	raw, err := json.Marshal(call.body)
	require.NoError(t, err)
	assert.True(t, delivery.Verify(raw, call.signature, "s3cr3t"))
}

func TestDispatcherFallsBackToDefaultURL(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d, _ := startPool(t, srv.URL, "")
	d.Dispatch(context.Background(), model.Session{ID: "suporte"}, "new-message", map[string]any{"from": "5511999999999"})

	require.Eventually(t, func() bool { return len(rcv.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := rcv.snapshot()[0]
	assert.Equal(t, "new-message", call.body["event"])
	assert.Equal(t, "5511999999999", call.body["from"])
	assert.Empty(t, call.signature)
}

func TestDispatcherSkipsSessionsWithoutWebhook(t *testing.T) {
	q := memory.NewQueue(4)
	d, err := NewDispatcher(q, "", "", testKey, zap.NewNop())
	require.NoError(t, err)

	d.Dispatch(context.Background(), model.Session{ID: "x"}, "session-status", nil)
	size, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDeliveryFailureIsNotRetried(t *testing.T) {
	rcv := &receiver{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d, _ := startPool(t, srv.URL, "")
	d.Dispatch(context.Background(), model.Session{ID: "vendas"}, "session-status", map[string]any{})

	require.Eventually(t, func() bool { return len(rcv.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rcv.snapshot(), 1)
}
