package storage

import (
	"context"
	"errors"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

var (
	ErrNotFound = model.ErrNotFound
	ErrConflict = model.ErrConflict
)

type SessionRepository interface {
	Upsert(ctx context.Context, session model.Session) (model.Session, error)
	GetByID(ctx context.Context, id string) (model.Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (model.Session, error)
	List(ctx context.Context) ([]model.Session, error)
	Delete(ctx context.Context, id string) error
}

// CampaignRepository persiste campanhas e destinatários. As operações que
// alteram destinatários recalculam as estatísticas na mesma transação.
type CampaignRepository interface {
	Create(ctx context.Context, campaign model.Campaign, recipients []model.Recipient) (model.Campaign, error)
	GetByID(ctx context.Context, id string) (model.Campaign, error)
	List(ctx context.Context, ownerUserID string) ([]model.Campaign, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]model.Campaign, error)
	Update(ctx context.Context, campaign model.Campaign, recipients []model.Recipient) (model.Campaign, error)
	SetStatus(ctx context.Context, id string, to model.CampaignStatus, from ...model.CampaignStatus) (model.Campaign, error)
	Delete(ctx context.Context, id string) error

	Recipients(ctx context.Context, campaignID string) ([]model.Recipient, error)
	PendingRecipients(ctx context.Context, campaignID string, retryCeiling int, afterID int64, limit int) ([]model.Recipient, error)
	RecordDelivery(ctx context.Context, campaignID string, recipientID int64, status model.RecipientStatus, errText string) (model.CampaignStatistics, error)
	MarkForRetry(ctx context.Context, campaignID, number string, maxRetries int) (int, model.CampaignStatistics, error)
	RefreshStatistics(ctx context.Context, campaignID string) (model.CampaignStatistics, error)
}

type ContactRepository interface {
	Upsert(ctx context.Context, contact model.Contact) error
	GetByPhone(ctx context.Context, phone string) (model.Contact, error)
}

// IsNotFound cobre os sentinelas dos drivers.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
