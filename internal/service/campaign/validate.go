package campaign

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

var (
	ErrValidation        = errors.New("campanha inválida")
	ErrNotFound          = errors.New("campanha não encontrada")
	ErrSessionNotFound   = errors.New("sessão não encontrada")
	ErrInvalidTransition = errors.New("transição de status inválida")
	ErrNothingToRetry    = errors.New("nenhum destinatário elegível para reenvio")
	ErrNoRecipients      = errors.New("campanha sem destinatários")
)

// ValidationError aponta o campo rejeitado. errors.Is(err, ErrValidation) é verdadeiro.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

const (
	minNumberDigits = 10
	maxNumberDigits = 15
	maxNameLength   = 200
)

// NormalizeNumber remove tudo que não é dígito e exige de 10 a 15 dígitos.
func NormalizeNumber(raw string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) < minNumberDigits || len(digits) > maxNumberDigits {
		return "", false
	}
	return digits, true
}

type RecipientInput struct {
	Number       string            `json:"number"`
	Name         string            `json:"name"`
	JobTitle     string            `json:"jobTitle"`
	CompanyName  string            `json:"companyName"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type SettingsInput struct {
	DelayBetweenMessages *int  `json:"delayBetweenMessages"`
	RetryFailedMessages  *bool `json:"retryFailedMessages"`
	MaxRetries           *int  `json:"maxRetries"`
}

// Defaults aplicados quando o chamador omite as configurações.
type Defaults struct {
	DelayMs    int
	MaxRetries int
}

func (d Defaults) settings(in *SettingsInput) (model.CampaignSettings, error) {
	s := model.CampaignSettings{
		DelayBetweenMessages: d.DelayMs,
		RetryFailedMessages:  true,
		MaxRetries:           d.MaxRetries,
	}
	if in == nil {
		return s, nil
	}
	if in.DelayBetweenMessages != nil {
		if *in.DelayBetweenMessages < 0 {
			return s, invalid("settings.delayBetweenMessages", "must be >= 0")
		}
		s.DelayBetweenMessages = *in.DelayBetweenMessages
	}
	if in.RetryFailedMessages != nil {
		s.RetryFailedMessages = *in.RetryFailedMessages
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return s, invalid("settings.maxRetries", "must be >= 0")
		}
		s.MaxRetries = *in.MaxRetries
	}
	return s, nil
}

func normalizeMessage(m model.CampaignMessage) (model.CampaignMessage, error) {
	m.Content = strings.TrimSpace(m.Content)
	m.MediaURL = strings.TrimSpace(m.MediaURL)
	if m.Type == "" {
		m.Type = model.MessageTypeText
	}

	switch m.Type {
	case model.MessageTypeText:
		if m.Content == "" {
			return m, invalid("message.content", "required for text messages")
		}
	case model.MessageTypeImage, model.MessageTypeVideo, model.MessageTypeDocument:
		if m.MediaURL == "" {
			return m, invalid("message.mediaUrl", "required for media messages")
		}
		u, err := url.Parse(m.MediaURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return m, invalid("message.mediaUrl", "must be an absolute http(s) URL")
		}
	default:
		return m, invalid("message.type", "unsupported message type "+string(m.Type))
	}
	return m, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "required")
	}
	if len(name) > maxNameLength {
		return "", invalid("name", "too long")
	}
	return name, nil
}

// buildRecipients valida todos os números; qualquer inválido rejeita a lista inteira.
func buildRecipients(in []RecipientInput) ([]model.Recipient, error) {
	out := make([]model.Recipient, 0, len(in))
	for i, r := range in {
		number, ok := NormalizeNumber(r.Number)
		if !ok {
			return nil, invalid(fmt.Sprintf("recipients[%d].number", i), "must contain 10 to 15 digits")
		}
		out = append(out, model.Recipient{
			Number: number,
			Payload: model.RecipientPayload{
				Name:         strings.TrimSpace(r.Name),
				JobTitle:     strings.TrimSpace(r.JobTitle),
				CompanyName:  strings.TrimSpace(r.CompanyName),
				CustomFields: r.CustomFields,
			},
			Status: model.RecipientStatusPending,
		})
	}
	return out, nil
}

// initialStatus decide o status de criação: rascunho por padrão, agendada
// quando há scheduledAt.
func initialStatus(requested model.CampaignStatus, scheduledAt *time.Time) (model.CampaignStatus, error) {
	switch requested {
	case "", model.CampaignStatusDraft:
		if scheduledAt != nil && requested == "" {
			return model.CampaignStatusScheduled, nil
		}
		return model.CampaignStatusDraft, nil
	case model.CampaignStatusReady:
		return model.CampaignStatusReady, nil
	case model.CampaignStatusScheduled:
		if scheduledAt == nil {
			return "", invalid("scheduledAt", "required for scheduled campaigns")
		}
		return model.CampaignStatusScheduled, nil
	}
	return "", invalid("status", "must be draft, ready or scheduled")
}
