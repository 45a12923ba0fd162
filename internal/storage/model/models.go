package model

import (
	"errors"
	"time"
)

// Sentinelas compartilhados pelos drivers de storage.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type SessionStatus string

const (
	SessionStatusCreating     SessionStatus = "CREATING"
	SessionStatusConnecting   SessionStatus = "CONNECTING"
	SessionStatusGeneratingQR SessionStatus = "GENERATING_QR"
	SessionStatusConnected    SessionStatus = "CONNECTED"
	SessionStatusDisconnected SessionStatus = "DISCONNECTED"
)

// Session é o snapshot persistido de uma sessão de transporte.
type Session struct {
	ID             string        `json:"sessionId"`
	Status         SessionStatus `json:"status"`
	Detail         string        `json:"detail"`
	QR             string        `json:"qr,omitempty"`
	QRImage        string        `json:"qrImage,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	OwnerUserID    string        `json:"owner,omitempty"`
	WebhookURL     string        `json:"webhookUrl,omitempty"`
	WebhookSecret  string        `json:"-"`
	TokenHash      string        `json:"-"`
	TokenUpdatedAt *time.Time    `json:"tokenUpdatedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Owner retorna o dono exibido da sessão ("system" quando não há usuário).
func (s Session) Owner() string {
	if s.OwnerUserID == "" {
		return "system"
	}
	return s.OwnerUserID
}

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusReady     CampaignStatus = "ready"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Active indica estados em que o motor de envio consome destinatários.
func (s CampaignStatus) Active() bool {
	return s == CampaignStatusSending || s == CampaignStatusRunning
}

func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusReady, CampaignStatusScheduled, CampaignStatusRunning,
		CampaignStatusSending, CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled,
		CampaignStatusFailed:
		return true
	}
	return false
}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
)

type CampaignMessage struct {
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	MediaURL     string      `json:"mediaUrl,omitempty"`
	MediaCaption string      `json:"mediaCaption,omitempty"`
	FileName     string      `json:"fileName,omitempty"`
}

type CampaignSettings struct {
	DelayBetweenMessages int  `json:"delayBetweenMessages"`
	RetryFailedMessages  bool `json:"retryFailedMessages"`
	MaxRetries           int  `json:"maxRetries"`
}

// Delay retorna o intervalo entre envios como duração.
func (s CampaignSettings) Delay() time.Duration {
	return time.Duration(s.DelayBetweenMessages) * time.Millisecond
}

// RetryCeiling é o limite efetivo de retentativas usado na seleção de destinatários.
func (s CampaignSettings) RetryCeiling() int {
	if !s.RetryFailedMessages {
		return 0
	}
	return s.MaxRetries
}

type CampaignStatistics struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// StatisticsFromCounts monta as estatísticas a partir da contagem por status.
func StatisticsFromCounts(counts map[RecipientStatus]int) CampaignStatistics {
	stats := CampaignStatistics{
		Sent:    counts[RecipientStatusSent],
		Failed:  counts[RecipientStatusFailed],
		Pending: counts[RecipientStatusPending],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats
}

type Campaign struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CreatedBy      string             `json:"createdBy,omitempty"`
	SessionID      string             `json:"sessionId"`
	Status         CampaignStatus     `json:"status"`
	Message        CampaignMessage    `json:"message"`
	Settings       CampaignSettings   `json:"settings"`
	Statistics     CampaignStatistics `json:"statistics"`
	ScheduledAt    *time.Time         `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time         `json:"startedAt,omitempty"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	RecipientCount int                `json:"recipientCount"`
	Recipients     []Recipient        `json:"recipients,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

type RecipientPayload struct {
	Name         string            `json:"name"`
	JobTitle     string            `json:"jobTitle"`
	CompanyName  string            `json:"companyName"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type Recipient struct {
	ID         int64            `json:"-"`
	CampaignID string           `json:"-"`
	Number     string           `json:"number"`
	Payload    RecipientPayload `json:"payload"`
	Status     RecipientStatus  `json:"status"`
	SentAt     *time.Time       `json:"sentAt,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retryCount"`
}

type Contact struct {
	Phone     string    `json:"phone"`
	JID       string    `json:"jid"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
