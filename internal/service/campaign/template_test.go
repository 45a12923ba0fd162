package campaign

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-apime/disparador/internal/storage/model"
)

func TestRenderSubstitutesKnownPlaceholders(t *testing.T) {
	p := model.RecipientPayload{Name: "Ana", CustomFields: map[string]string{"city": "Lima"}}
	assert.Equal(t, "Hi Ana from Lima", Render("Hi {{Name}} from {{city}}", p))
}

func TestRenderBuiltinsIgnoreCase(t *testing.T) {
	p := model.RecipientPayload{Name: "Bruno", JobTitle: "CTO", CompanyName: "Acme"}
	out := Render("{{name}}, {{JOBTITLE}} na {{Company}} / {{companyName}}", p)
	assert.Equal(t, "Bruno, CTO na Acme / Acme", out)
}

func TestRenderEmptyValuesAndUnknownTokens(t *testing.T) {
	p := model.RecipientPayload{CustomFields: map[string]string{"Cupom": ""}}
	assert.Equal(t, "Olá , seu cupom:  {{desconhecido}}", Render("Olá {{Name}}, seu cupom: {{cupom}} {{desconhecido}}", p))
	assert.Equal(t, "", Render("", p))
}

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]struct {
		want string
		ok   bool
	}{
		"+55 (11) 98765-4321": {"5511987654321", true},
		"1234567890":          {"1234567890", true},
		"123456789":           {"", false},
		"1234567890123456":    {"", false},
		"abc":                 {"", false},
	}
	for in, tc := range cases {
		got, ok := NormalizeNumber(in)
		assert.Equal(t, tc.ok, ok, in)
		assert.Equal(t, tc.want, got, in)
	}
}

func TestBuildRecipientsRejectsWholeList(t *testing.T) {
	_, err := buildRecipients([]RecipientInput{{Number: "5511987654321"}, {Number: "12"}})
	require.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipients[1].number", verr.Field)
}

func TestSettingsDefaults(t *testing.T) {
	d := Defaults{DelayMs: 3000, MaxRetries: 3}

	s, err := d.settings(nil)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSettings{DelayBetweenMessages: 3000, RetryFailedMessages: true, MaxRetries: 3}, s)

	s, err = d.settings(&SettingsInput{RetryFailedMessages: boolPtr(false), MaxRetries: intPtr(1)})
	require.NoError(t, err)
	assert.False(t, s.RetryFailedMessages)
	assert.Equal(t, 0, s.RetryCeiling())

	_, err = d.settings(&SettingsInput{DelayBetweenMessages: intPtr(-1)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeMessage(t *testing.T) {
	_, err := normalizeMessage(model.CampaignMessage{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = normalizeMessage(model.CampaignMessage{Type: model.MessageTypeImage})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = normalizeMessage(model.CampaignMessage{Type: model.MessageTypeImage, MediaURL: "ftp://x/y.png"})
	assert.ErrorIs(t, err, ErrValidation)

	m, err := normalizeMessage(model.CampaignMessage{Content: " oi "})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeText, m.Type)
	assert.Equal(t, "oi", m.Content)
}

func TestParseRecipientsCSV(t *testing.T) {
	input := "\xef\xbb\xbfPhone;Name;Company;City\n" +
		"+55 11 98765-4321;Ana;Acme;Lima\n" +
		";Sem Numero;;\n" +
		"123;Curto;;\n" +
		"5521912345678;Bruno;;Rio\n"

	res, err := ParseRecipientsCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Recipients, 2)
	assert.Equal(t, "5511987654321", res.Recipients[0].Number)
	assert.Equal(t, "Ana", res.Recipients[0].Name)
	assert.Equal(t, "Acme", res.Recipients[0].CompanyName)
	assert.Equal(t, map[string]string{"City": "Lima"}, res.Recipients[0].CustomFields)
	assert.Equal(t, []string{"Row 3: Missing phone number.", "Row 4: Invalid phone number format: 123"}, res.Errors)
}

func TestWriteResultsCSV(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteResultsCSV(&buf, []model.Recipient{
		{Number: "5511987654321", Payload: model.RecipientPayload{Name: "Ana"}, Status: model.RecipientStatusSent, SentAt: &sentAt},
		{Number: "5511987654322", Status: model.RecipientStatusFailed, Error: "timeout, sem resposta"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Number,Name,Job Title,Company,Status,Sent At,Error", lines[0])
	assert.Equal(t, "5511987654321,Ana,,,sent,2026-03-01T12:00:00Z,", lines[1])
	assert.Equal(t, `5511987654322,,,,failed,,"timeout, sem resposta"`, lines[2])
}
