package campaign

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/storage"
	"github.com/open-apime/disparador/internal/storage/model"
)

var (
	owner    = Actor{UserID: "user-1"}
	stranger = Actor{UserID: "user-2"}
	admin    = Actor{UserID: "root", Admin: true}
)

func newTestService(t *testing.T, sessions *fakeSessions) (*Service, storage.CampaignRepository, *recordingEvents) {
	t.Helper()
	repo := newTestRepo(t)
	engine := newTestEngine(repo, sessions)
	t.Cleanup(engine.Close)
	events := &recordingEvents{}
	engine.SetEvents(events)
	return NewService(repo, engine, sessions, Defaults{DelayMs: 0, MaxRetries: 2}, zap.NewNop()), repo, events
}

func validInput() CreateInput {
	return CreateInput{
		Name:      "Lançamento",
		SessionID: "s1",
		Message:   model.CampaignMessage{Content: "Olá {{Name}}"},
		Recipients: []RecipientInput{
			{Number: "+55 11 90000-0001", Name: "Ana"},
			{Number: "5511900000002", Name: "Bia", CustomFields: map[string]string{"plano": "pro"}},
		},
	}
}

func TestServiceCreateAppliesDefaults(t *testing.T) {
	svc, repo, _ := newTestService(t, newFakeSessions("s1"))
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusDraft, c.Status)
	assert.Equal(t, "user-1", c.CreatedBy)
	assert.Equal(t, 2, c.RecipientCount)
	assert.Equal(t, model.MessageTypeText, c.Message.Type)
	assert.Equal(t, model.CampaignSettings{RetryFailedMessages: true, MaxRetries: 2}, c.Settings)
	assert.Equal(t, model.CampaignStatistics{Total: 2, Pending: 2}, c.Statistics)

	recipients, err := repo.Recipients(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "5511900000001", recipients[0].Number)
	assert.Equal(t, "pro", recipients[1].Payload.CustomFields["plano"])
}

func TestServiceCreateStatusRules(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeSessions("s1"))
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	in := validInput()
	in.ScheduledAt = &at
	c, err := svc.Create(ctx, owner, in)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, c.Status)
	require.NotNil(t, c.ScheduledAt)

	in = validInput()
	in.Status = model.CampaignStatusScheduled
	_, err = svc.Create(ctx, owner, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.Status = model.CampaignStatusReady
	in.SessionID = ""
	_, err = svc.Create(ctx, owner, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.Status = model.CampaignStatusSending
	_, err = svc.Create(ctx, owner, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.SessionID = ""
	c, err = svc.Create(ctx, owner, in)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusDraft, c.Status)
}

func TestServiceCreateRejectsInvalidRecipient(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeSessions("s1"))

	in := validInput()
	in.Recipients = append(in.Recipients, RecipientInput{Number: "999"})
	_, err := svc.Create(context.Background(), owner, in)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipients[2].number", verr.Field)

	list, err := svc.List(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServiceScopesByOwner(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeSessions("s1"))
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)

	_, err = svc.Get(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Start(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, stranger, c.ID), ErrNotFound)

	got, err := svc.Get(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	mine, err := svc.List(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := svc.List(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, theirs)
	all, err := svc.List(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = svc.Get(ctx, owner, "inexistente")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceStartRunsToCompletion(t *testing.T) {
	sessions := newFakeSessions("s1")
	svc, repo, events := newTestService(t, sessions)
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)

	started, err := svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, started.Status)
	assert.NotNil(t, started.StartedAt)

	require.Eventually(t, func() bool {
		return campaignStatus(t, repo, c.ID) == model.CampaignStatusCompleted
	}, testWait, testTick)

	msgs := sessions.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Olá Ana", msgs[0].msg.Text)
	assert.Equal(t, "Olá Bia", msgs[1].msg.Text)

	require.Eventually(t, func() bool { return len(events.statusList()) == 2 }, testWait, testTick)
	assert.Equal(t, []model.CampaignStatus{model.CampaignStatusSending, model.CampaignStatusCompleted}, events.statusList())

	_, err = svc.Start(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestServiceStartRequiresSessionAndRecipients(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeSessions("s1"))
	ctx := context.Background()

	in := validInput()
	in.SessionID = ""
	c, err := svc.Create(ctx, owner, in)
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.Recipients = nil
	c, err = svc.Create(ctx, owner, in)
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestServicePauseResumeCancel(t *testing.T) {
	sessions := newFakeSessions()
	sessions.setConnected("s1", false)
	svc, repo, _ := newTestService(t, sessions)
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)

	_, err = svc.Pause(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Resume(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// sessão desconectada: a execução é adiada e a campanha continua em envio
	_, err = svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusPaused, paused.Status)

	resumed, err := svc.Resume(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, resumed.Status)

	cancelled, err := svc.Cancel(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.RetryFailed(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Empty(t, sessions.sentTo())
	assert.Equal(t, model.CampaignStatusCancelled, campaignStatus(t, repo, c.ID))
}

func TestServiceUpdateRules(t *testing.T) {
	svc, repo, _ := newTestService(t, newFakeSessions("s1"))
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)

	name := "Lançamento v2"
	delay := 1500
	at := time.Now().Add(2 * time.Hour)
	updated, err := svc.Update(ctx, owner, c.ID, UpdateInput{
		Name:        &name,
		Settings:    &SettingsInput{DelayBetweenMessages: &delay},
		ScheduledAt: &at,
		Recipients:  []RecipientInput{{Number: "5511900000009", Name: "Caio"}},
	})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, model.CampaignStatusScheduled, updated.Status)
	assert.Equal(t, 1500, updated.Settings.DelayBetweenMessages)
	assert.True(t, updated.Settings.RetryFailedMessages)
	assert.Equal(t, 2, updated.Settings.MaxRetries)
	assert.Equal(t, 1, updated.RecipientCount)

	recipients, err := repo.Recipients(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "5511900000009", recipients[0].Number)

	bad := ""
	_, err = svc.Update(ctx, owner, c.ID, UpdateInput{Name: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.SetStatus(ctx, c.ID, model.CampaignStatusCompleted, model.CampaignStatusScheduled)
	require.NoError(t, err)
	_, err = svc.Update(ctx, owner, c.ID, UpdateInput{Name: &name})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestServiceCloneResetsDeliveries(t *testing.T) {
	sessions := newFakeSessions("s1")
	svc, repo, _ := newTestService(t, sessions)
	ctx := context.Background()

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return campaignStatus(t, repo, c.ID) == model.CampaignStatusCompleted
	}, testWait, testTick)

	clone, err := svc.Clone(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, clone.ID)
	assert.Equal(t, "Lançamento (Copy)", clone.Name)
	assert.Equal(t, model.CampaignStatusDraft, clone.Status)
	assert.Equal(t, "root", clone.CreatedBy)
	assert.Equal(t, model.CampaignStatistics{Total: 2, Pending: 2}, clone.Statistics)
	assert.Nil(t, clone.StartedAt)

	withRecipients, err := svc.GetWithRecipients(ctx, admin, clone.ID)
	require.NoError(t, err)
	require.Len(t, withRecipients.Recipients, 2)
	for _, r := range withRecipients.Recipients {
		assert.Equal(t, model.RecipientStatusPending, r.Status)
		assert.Nil(t, r.SentAt)
		assert.Zero(t, r.RetryCount)
	}
}

func TestServiceRetryRecipientReactivatesCompletedCampaign(t *testing.T) {
	sessions := newFakeSessions("s1")
	sessions.failFor["5511900000002"] = errSendFailed
	svc, repo, _ := newTestService(t, sessions)
	ctx := context.Background()

	in := validInput()
	in.Settings = &SettingsInput{MaxRetries: intPtr(2), RetryFailedMessages: boolPtr(false)}
	c, err := svc.Create(ctx, owner, in)
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return campaignStatus(t, repo, c.ID) == model.CampaignStatusCompleted
	}, testWait, testTick)

	_, err = svc.RetryRecipient(ctx, owner, c.ID, "5511900000001")
	assert.ErrorIs(t, err, ErrNothingToRetry)
	_, err = svc.RetryRecipient(ctx, owner, c.ID, "12")
	assert.ErrorIs(t, err, ErrValidation)

	require.Eventually(t, func() bool { return !svc.engine.Running(c.ID) }, testWait, testTick)

	sessions.mu.Lock()
	delete(sessions.failFor, "5511900000002")
	sessions.mu.Unlock()

	reactivated, err := svc.RetryRecipient(ctx, owner, c.ID, "+55 (11) 90000-0002")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, reactivated.Status)

	require.Eventually(t, func() bool {
		return campaignStatus(t, repo, c.ID) == model.CampaignStatusCompleted
	}, testWait, testTick)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatistics{Total: 2, Sent: 2}, got.Statistics)

	recipients, err := repo.Recipients(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, recipientByNumber(t, recipients, "5511900000002").RetryCount)
}

func TestServiceExportResults(t *testing.T) {
	sessions := newFakeSessions("s1")
	sessions.failFor["5511900000002"] = errSendFailed
	svc, repo, _ := newTestService(t, sessions)
	ctx := context.Background()

	in := validInput()
	in.Settings = &SettingsInput{RetryFailedMessages: boolPtr(false)}
	c, err := svc.Create(ctx, owner, in)
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return campaignStatus(t, repo, c.ID) == model.CampaignStatusCompleted
	}, testWait, testTick)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportResults(ctx, owner, c.ID, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "5511900000001,Ana,,,sent,"))
	assert.Equal(t, "5511900000002,Bia,,,failed,,"+errSendFailed.Error(), lines[2])

	assert.ErrorIs(t, svc.ExportResults(ctx, stranger, c.ID, &buf), ErrNotFound)
}

func TestServiceDeleteStopsAndRemoves(t *testing.T) {
	sessions := newFakeSessions("s1")
	svc, _, _ := newTestService(t, sessions)
	ctx := context.Background()

	in := validInput()
	in.Settings = &SettingsInput{DelayBetweenMessages: intPtr(60_000)}
	c, err := svc.Create(ctx, owner, in)
	require.NoError(t, err)
	_, err = svc.Start(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sessions.sentTo()) == 1 }, testWait, testTick)

	require.NoError(t, svc.Delete(ctx, owner, c.ID))
	assert.False(t, svc.engine.Running(c.ID))
	_, err = svc.Get(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceRejectsSessionOfAnotherUser(t *testing.T) {
	sessions := newFakeSessions("s1", "s2", "sistema")
	sessions.setOwner("s2", "user-2")
	sessions.setOwner("sistema", "")
	svc, _, _ := newTestService(t, sessions)
	ctx := context.Background()

	for _, id := range []string{"s2", "sistema", "inexistente"} {
		in := validInput()
		in.SessionID = id
		_, err := svc.Create(ctx, owner, in)
		assert.ErrorIs(t, err, ErrSessionNotFound, id)
	}

	c, err := svc.Create(ctx, owner, validInput())
	require.NoError(t, err)
	other := "s2"
	_, err = svc.Update(ctx, owner, c.ID, UpdateInput{SessionID: &other})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	draft, err := svc.Create(ctx, owner, CreateInput{Name: "Rascunho", Message: validInput().Message})
	require.NoError(t, err)
	_, err = svc.Update(ctx, owner, draft.ID, UpdateInput{SessionID: &other})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// sessão que mudou de dono depois da criação
	sessions.setOwner("s1", "user-2")
	_, err = svc.Start(ctx, owner, c.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, sessions.sentTo())

	// administradores podem usar qualquer sessão
	_, err = svc.Update(ctx, admin, c.ID, UpdateInput{SessionID: &other})
	require.NoError(t, err)
}
