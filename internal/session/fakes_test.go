package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/storage/model"
)

type fakeTransport struct {
	events     chan Event
	connectErr error
	logoutErr  error

	mu           sync.Mutex
	connected    bool
	disconnected bool
	loggedOut    bool
	sent         []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) Send(ctx context.Context, to string, msg OutboundMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, to)
	return "wamid-" + to, nil
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return t.logoutErr
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
}

func (t *fakeTransport) state() (loggedOut, disconnected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedOut, t.disconnected
}

type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeTransport
	creds     []string
	purged    []string
	configure func(*fakeTransport)
}

func (f *fakeFactory) New(ctx context.Context, sessionID string) (Transport, error) {
	t := newFakeTransport()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configure != nil {
		f.configure(t)
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) ListCredentials(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creds...), nil
}

func (f *fakeFactory) Purge(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, sessionID)
	return nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > i }, time.Second, 2*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeFactory) purgedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

type memSessionRepo struct {
	mu   sync.Mutex
	rows map[string]model.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: make(map[string]model.Session)}
}

func (r *memSessionRepo) Upsert(ctx context.Context, s model.Session) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = s
	return s, nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return s, nil
}

func (r *memSessionRepo) GetByTokenHash(ctx context.Context, hash string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.TokenHash == hash {
			return s, nil
		}
	}
	return model.Session{}, model.ErrNotFound
}

func (r *memSessionRepo) List(ctx context.Context) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out, nil
}

func (r *memSessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return model.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memSessionRepo) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok
}

// gatedSessionRepo segura o primeiro Upsert até gate fechar.
type gatedSessionRepo struct {
	*memSessionRepo
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func newGatedSessionRepo() *gatedSessionRepo {
	return &gatedSessionRepo{
		memSessionRepo: newMemSessionRepo(),
		entered:        make(chan struct{}),
		gate:           make(chan struct{}),
	}
}

func (r *gatedSessionRepo) Upsert(ctx context.Context, s model.Session) (model.Session, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.gate
	}
	return r.memSessionRepo.Upsert(ctx, s)
}

type webhookCall struct {
	sessionID string
	event     string
	payload   map[string]any
}

type recordingWebhooks struct {
	mu    sync.Mutex
	calls []webhookCall
}

func (w *recordingWebhooks) Dispatch(ctx context.Context, s model.Session, event string, payload map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, webhookCall{sessionID: s.ID, event: event, payload: payload})
}

func (w *recordingWebhooks) events(name string) []webhookCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []webhookCall
	for _, c := range w.calls {
		if c.event == name {
			out = append(out, c)
		}
	}
	return out
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
	last  []model.Session
}

func (n *countingNotifier) PublishSessions(sessions []model.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	n.last = sessions
}

func testOptions() Options {
	return Options{
		MaxSessions:       5,
		InactivityTimeout: time.Hour,
		ReconnectMax:      3,
		ReconnectDelay:    5 * time.Millisecond,
		LogoutTimeout:     time.Second,
		EncryptionKey:     "test-key",
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeFactory, *memSessionRepo) {
	t.Helper()
	factory := &fakeFactory{}
	store := newMemSessionRepo()
	m := NewManager(opts, store, factory, zap.NewNop())
	t.Cleanup(m.Close)
	return m, factory, store
}

func waitStatus(t *testing.T, m *Manager, id string, status model.SessionStatus) model.Session {
	t.Helper()
	var last model.Session
	require.Eventually(t, func() bool {
		s, err := m.Get(id)
		if err != nil {
			return false
		}
		last = s
		return s.Status == status
	}, time.Second, 2*time.Millisecond, "status esperado %s, último %s", status, last.Status)
	return last
}

func waitGone(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := m.Get(id)
		return err != nil
	}, time.Second, 2*time.Millisecond)
}
