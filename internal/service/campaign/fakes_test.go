package campaign

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/media"
	"github.com/open-apime/disparador/internal/storage/model"
	"github.com/open-apime/disparador/internal/storage/sqlite"
)

func newTestRepo(t *testing.T) storage.CampaignRepository {
	t.Helper()

	db, err := sqlite.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile("../../../db/migrations/sqlite/0001_init.up.sql")
	require.NoError(t, err)
	for _, stmt := range strings.Split(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		_, err := db.Conn.ExecContext(context.Background(), stmt)
		require.NoError(t, err)
	}
	return sqlite.NewCampaignRepository(db)
}

type sentMessage struct {
	session string
	to      string
	msg     session.OutboundMessage
}

// fakeSessions simula o gerenciador de sessões.
type fakeSessions struct {
	mu        sync.Mutex
	connected map[string]bool
	failFor   map[string]error
	owners    map[string]string
	sent      []sentMessage
	onSend    func(to string)
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{connected: map[string]bool{}, failFor: map[string]error{}, owners: map[string]string{}}
	for _, id := range ids {
		f.connected[id] = true
	}
	return f
}

func (f *fakeSessions) IsConnected(id string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	connected, exists := f.connected[id]
	return connected, exists
}

// Get devolve a sessão; sem dono explícito ela pertence a user-1.
func (f *fakeSessions) Get(id string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.connected[id]; !ok {
		return model.Session{}, session.ErrNotFound
	}
	owner, ok := f.owners[id]
	if !ok {
		owner = "user-1"
	}
	return model.Session{ID: id, OwnerUserID: owner}, nil
}

func (f *fakeSessions) setOwner(id, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[id] = owner
}

func (f *fakeSessions) setConnected(id string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[id] = connected
}

func (f *fakeSessions) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, id)
}

func (f *fakeSessions) Send(ctx context.Context, id, to string, msg session.OutboundMessage) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{session: id, to: to, msg: msg})
	err := f.failFor[to]
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(to)
	}
	if err != nil {
		return "", err
	}
	return "MSG-" + to, nil
}

func (f *fakeSessions) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.to
	}
	return out
}

func (f *fakeSessions) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeMedia struct {
	calls int
	err   error
}

func (f *fakeMedia) Fetch(ctx context.Context, rawURL string) (media.Media, error) {
	f.calls++
	if f.err != nil {
		return media.Media{}, f.err
	}
	return media.Media{Data: []byte("img"), Mimetype: "image/png", FileName: "promo.png"}, nil
}

type recordingEvents struct {
	mu       sync.Mutex
	progress []model.CampaignStatistics
	statuses []model.CampaignStatus
}

func (r *recordingEvents) CampaignProgress(c model.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, c.Statistics)
}

func (r *recordingEvents) CampaignStatus(c model.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c.Status)
}

func (r *recordingEvents) statusList() []model.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CampaignStatus(nil), r.statuses...)
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

var errSendFailed = errors.New("número não existe no WhatsApp")

func newTestEngine(repo storage.CampaignRepository, sessions Sessions) *Engine {
	return NewEngine(repo, sessions, &fakeMedia{}, EngineOptions{BatchSize: 2}, zap.NewNop())
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// seedCampaign grava uma campanha já em envio com os números informados.
func seedCampaign(t *testing.T, repo storage.CampaignRepository, status model.CampaignStatus, settings model.CampaignSettings, numbers ...string) model.Campaign {
	t.Helper()
	recipients := make([]model.Recipient, len(numbers))
	for i, n := range numbers {
		recipients[i] = model.Recipient{
			Number:  n,
			Payload: model.RecipientPayload{Name: "Cliente " + n[len(n)-1:]},
			Status:  model.RecipientStatusPending,
		}
	}
	c, err := repo.Create(context.Background(), model.Campaign{
		Name:      "Black Friday",
		CreatedBy: "user-1",
		SessionID: "s1",
		Status:    status,
		Message:   model.CampaignMessage{Type: model.MessageTypeText, Content: "Oi {{Name}}"},
		Settings:  settings,
	}, recipients)
	require.NoError(t, err)
	return c
}

func statsInvariant(t *testing.T, s model.CampaignStatistics) {
	t.Helper()
	require.Equal(t, s.Total, s.Sent+s.Failed+s.Pending, "estatísticas inconsistentes: %+v", s)
}
