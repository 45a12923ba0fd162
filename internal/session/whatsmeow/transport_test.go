package whatsmeow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/open-apime/disparador/internal/session"
	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/model"
)

type fakeChecker struct {
	calls [][]string
	resp  []types.IsOnWhatsAppResponse
	err   error
}

func (c *fakeChecker) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	c.calls = append(c.calls, phones)
	return c.resp, c.err
}

type memContacts struct {
	mu       sync.Mutex
	contacts map[string]model.Contact
}

func newMemContacts() *memContacts {
	return &memContacts{contacts: map[string]model.Contact{}}
}

func (m *memContacts) Upsert(ctx context.Context, c model.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.Phone] = c
	return nil
}

func (m *memContacts) GetByPhone(ctx context.Context, phone string) (model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[phone]
	if !ok {
		return model.Contact{}, model.ErrNotFound
	}
	return c, nil
}

func TestTranslateCloseCodes(t *testing.T) {
	cases := []struct {
		name  string
		evt   any
		code  int
		fatal bool
	}{
		{"disconnected", &events.Disconnected{}, session.CodeConnectionLost, false},
		{"logged out", &events.LoggedOut{}, session.CodeLoggedOut, true},
		{"temporary ban", &events.TemporaryBan{}, session.CodeForbidden, true},
		{"stream error", &events.StreamError{Code: "503"}, codeStreamError, false},
		{"stream replaced", &events.StreamReplaced{}, codeStreamReplaced, false},
		{"client outdated", &events.ClientOutdated{}, codeClientOutdated, false},
		{"connect failure", &events.ConnectFailure{Reason: events.ConnectFailureReason(503)}, 503, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, ok := translate(tc.evt)
			require.True(t, ok)
			assert.Equal(t, session.EventClose, out.Kind)
			assert.Equal(t, tc.code, out.Code)
			assert.Equal(t, tc.fatal, session.Fatal(out.Code))
			assert.NotEmpty(t, out.Reason)
		})
	}
}

func TestTranslateInboundMessage(t *testing.T) {
	sender := types.NewJID("5511999990000", types.DefaultUserServer)
	ts := time.Unix(1700000000, 0)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "ABC123",
			PushName:      "Maria",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("oi")},
	}

	out, ok := translate(evt)
	require.True(t, ok)
	require.Equal(t, session.EventMessage, out.Kind)
	require.NotNil(t, out.Message)
	assert.Equal(t, "ABC123", out.Message.ID)
	assert.Equal(t, sender.String(), out.Message.From)
	assert.Equal(t, ts, out.Message.Timestamp)
	assert.Equal(t, "text", out.Message.Data["type"])
	assert.Equal(t, "oi", out.Message.Data["text"])
	assert.Equal(t, "Maria", out.Message.Data["pushName"])
}

func TestTranslateIgnoresOwnMessagesAndUnknownEvents(t *testing.T) {
	own := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{IsFromMe: true}},
		Message: &waE2E.Message{Conversation: proto.String("eco")},
	}
	_, ok := translate(own)
	assert.False(t, ok)

	_, ok = translate(&events.KeepAliveTimeout{})
	assert.False(t, ok)
}

func TestPhoneCandidates(t *testing.T) {
	assert.Equal(t, []string{"5511987654321", "551187654321"}, phoneCandidates("5511987654321"))
	assert.Equal(t, []string{"551187654321", "5511987654321"}, phoneCandidates("551187654321"))
	assert.Equal(t, []string{"14155550100"}, phoneCandidates("14155550100"))
}

func newTestFactory(t *testing.T, contacts storage.ContactRepository) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryOptions{Driver: "sqlite", BaseDir: t.TempDir()}, contacts, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestResolveJIDUsesLookupAndPersistsContact(t *testing.T) {
	contacts := newMemContacts()
	f := newTestFactory(t, contacts)

	registered := types.NewJID("551187650001", types.DefaultUserServer)
	checker := &fakeChecker{resp: []types.IsOnWhatsAppResponse{
		{Query: "5511987650001", IsIn: false},
		{Query: "551187650001", JID: registered, IsIn: true},
	}}

	jid, err := f.resolveJID(context.Background(), checker, "+55 (11) 98765-0001")
	require.NoError(t, err)
	assert.Equal(t, registered, jid)
	require.Len(t, checker.calls, 1)

	stored, err := contacts.GetByPhone(context.Background(), "5511987650001")
	require.NoError(t, err)
	assert.Equal(t, registered.String(), stored.JID)

	// segunda chamada vem do cache
	_, err = f.resolveJID(context.Background(), checker, "5511987650001")
	require.NoError(t, err)
	assert.Len(t, checker.calls, 1)
}

func TestResolveJIDFromContactTable(t *testing.T) {
	contacts := newMemContacts()
	require.NoError(t, contacts.Upsert(context.Background(), model.Contact{
		Phone: "5521987650002",
		JID:   "552187650002@s.whatsapp.net",
	}))
	f := newTestFactory(t, contacts)
	checker := &fakeChecker{}

	jid, err := f.resolveJID(context.Background(), checker, "5521987650002")
	require.NoError(t, err)
	assert.Equal(t, "552187650002", jid.User)
	assert.Empty(t, checker.calls)
}

func TestResolveJIDFallsBackOnLookupError(t *testing.T) {
	f := newTestFactory(t, nil)
	checker := &fakeChecker{err: errors.New("offline")}

	jid, err := f.resolveJID(context.Background(), checker, "5531987650003")
	require.NoError(t, err)
	assert.Equal(t, types.NewJID("5531987650003", types.DefaultUserServer), jid)

	_, err = f.resolveJID(context.Background(), checker, "abc")
	assert.ErrorIs(t, err, ErrInvalidJID)
}

func TestResolveJIDForeignNumberSkipsLookup(t *testing.T) {
	f := newTestFactory(t, nil)
	checker := &fakeChecker{}

	jid, err := f.resolveJID(context.Background(), checker, "14155550100")
	require.NoError(t, err)
	assert.Equal(t, "14155550100", jid.User)
	assert.Empty(t, checker.calls)
}

func TestSentCacheEvictsOldest(t *testing.T) {
	c := newSentCache(2)
	chat := types.NewJID("5511900000000", types.DefaultUserServer)

	c.put(chat, "1", &waE2E.Message{Conversation: proto.String("a")})
	c.put(chat, "2", &waE2E.Message{Conversation: proto.String("b")})
	c.put(chat, "3", &waE2E.Message{Conversation: proto.String("c")})

	assert.Nil(t, c.get(chat, "1"))
	assert.Equal(t, "c", c.get(chat, "3").GetConversation())
	assert.Equal(t, 2, c.len())
}

// pairSQLite grava um device com JID no arquivo da sessão, como depois de ler o QR.
func pairSQLite(t *testing.T, f *Factory, sessionID, user string) {
	t.Helper()
	ctx := context.Background()
	container, db, err := f.openSQLite(ctx, sessionID, true)
	require.NoError(t, err)
	defer db.Close()

	device := container.NewDevice()
	device.ID = &types.JID{User: user, Server: types.DefaultUserServer, Device: 1}
	device.Account = &waAdv.ADVSignedDeviceIdentity{
		Details:             []byte{1},
		AccountSignature:    make([]byte, 64),
		AccountSignatureKey: make([]byte, 32),
		DeviceSignature:     make([]byte, 64),
	}
	require.NoError(t, container.PutDevice(ctx, device))
}

func TestListCredentialsAndPurgeSQLite(t *testing.T) {
	f := newTestFactory(t, nil)
	dir := f.opts.BaseDir
	ctx := context.Background()

	pairSQLite(t, f, "loja-2", "5511999990002")
	pairSQLite(t, f, "loja-1", "5511999990001")

	// Store criado no primeiro dial, sem pareamento.
	_, db, err := f.openSQLite(ctx, "loja-3", true)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	for _, name := range []string{"lixo.db", "notes.txt", "bad id.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loja-1.db-wal"), []byte("x"), 0o600))

	ids, err := f.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loja-1", "loja-2"}, ids)

	require.NoError(t, f.Purge(ctx, "loja-1"))
	require.NoError(t, f.Purge(ctx, "missing"))

	_, err = os.Stat(filepath.Join(dir, "loja-1.db-wal"))
	assert.True(t, os.IsNotExist(err))

	ids, err = f.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loja-2"}, ids)
}

func TestDisconnectClosesSQLiteStore(t *testing.T) {
	f := newTestFactory(t, nil)

	tr, err := f.New(context.Background(), "loja-1")
	require.NoError(t, err)
	wt := tr.(*transport)
	require.NotNil(t, wt.db)
	require.NoError(t, wt.db.Ping())

	wt.Disconnect()
	assert.ErrorContains(t, wt.db.Ping(), "database is closed")

	// Uma segunda chamada não fecha de novo.
	wt.Disconnect()
}

func TestMapPlatformType(t *testing.T) {
	assert.Equal(t, waCompanionReg.DeviceProps_CHROME, *mapPlatformType("chrome"))
	assert.Equal(t, waCompanionReg.DeviceProps_DESKTOP, *mapPlatformType("unknown"))
}

func TestNewFactoryRequiresPostgresDSN(t *testing.T) {
	_, err := NewFactory(FactoryOptions{Driver: "postgres"}, nil, zap.NewNop())
	assert.Error(t, err)
}
