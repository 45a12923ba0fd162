package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/open-apime/disparador/internal/storage/model"
)

type campaignRepo struct {
	db *DB
}

func NewCampaignRepository(db *DB) *campaignRepo {
	return &campaignRepo{db: db}
}

const campaignColumns = `c.id, c.name, COALESCE(c.created_by, ''), COALESCE(c.session_id, ''), c.status,
	c.message, c.settings, c.statistics, c.scheduled_at, c.started_at, c.completed_at, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM campaign_recipients r WHERE r.campaign_id = c.id)`

const recipientColumns = `id, campaign_id, number, payload, status, sent_at, COALESCE(error, ''), retry_count`

func (r *campaignRepo) Create(ctx context.Context, c model.Campaign, recipients []model.Recipient) (model.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()

	message, settings, err := encodeCampaignJSON(c)
	if err != nil {
		return model.Campaign{}, err
	}

	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO campaigns (id, name, created_by, session_id, status, message, settings, statistics, scheduled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, '{}'::jsonb, $8, $9, $9)
		`, c.ID, c.Name, nullIfEmpty(c.CreatedBy), nullIfEmpty(c.SessionID), string(c.Status), message, settings, c.ScheduledAt, now)
		if err != nil {
			return fmt.Errorf("postgres: inserir campanha: %w", err)
		}
		if err := insertRecipients(ctx, tx, c.ID, recipients); err != nil {
			return err
		}
		_, err = refreshStatisticsTx(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		return model.Campaign{}, err
	}
	return r.GetByID(ctx, c.ID)
}

func (r *campaignRepo) GetByID(ctx context.Context, id string) (model.Campaign, error) {
	return scanCampaign(r.db.Pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns c WHERE c.id = $1`, id))
}

func (r *campaignRepo) List(ctx context.Context, ownerUserID string) ([]model.Campaign, error) {
	if ownerUserID == "" {
		return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns c ORDER BY c.created_at DESC`)
	}
	return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns c WHERE c.created_by = $1 ORDER BY c.created_at DESC`, ownerUserID)
}

func (r *campaignRepo) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns c WHERE c.status = ANY($1) ORDER BY c.updated_at DESC`, values)
}

func (r *campaignRepo) ListDue(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c
		WHERE c.status = $1 AND c.scheduled_at IS NOT NULL AND c.scheduled_at <= $2
		ORDER BY c.scheduled_at ASC`
	return r.queryCampaigns(ctx, query, string(model.CampaignStatusScheduled), now)
}

func (r *campaignRepo) Update(ctx context.Context, c model.Campaign, recipients []model.Recipient) (model.Campaign, error) {
	message, settings, err := encodeCampaignJSON(c)
	if err != nil {
		return model.Campaign{}, err
	}

	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET name = $1, session_id = $2, scheduled_at = $3, message = $4, settings = $5, updated_at = NOW()
			WHERE id = $6
		`, c.Name, nullIfEmpty(c.SessionID), c.ScheduledAt, message, settings, c.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if recipients == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = $1`, c.ID); err != nil {
			return err
		}
		if err := insertRecipients(ctx, tx, c.ID, recipients); err != nil {
			return err
		}
		_, err = refreshStatisticsTx(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		return model.Campaign{}, err
	}
	return r.GetByID(ctx, c.ID)
}

func (r *campaignRepo) SetStatus(ctx context.Context, id string, to model.CampaignStatus, from ...model.CampaignStatus) (model.Campaign, error) {
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			return mapError(err)
		}
		if !statusAllowed(model.CampaignStatus(current), from) {
			return fmt.Errorf("%w: campanha em %s", model.ErrConflict, current)
		}

		_, err := tx.Exec(ctx, `
			UPDATE campaigns SET
				status = $1,
				updated_at = NOW(),
				started_at = CASE WHEN $2::boolean THEN COALESCE(started_at, NOW()) ELSE started_at END,
				completed_at = CASE WHEN $3::boolean THEN NOW() ELSE completed_at END
			WHERE id = $4
		`, string(to), to.Active(), to == model.CampaignStatusCompleted, id)
		return err
	})
	if err != nil {
		return model.Campaign{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *campaignRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *campaignRepo) Recipients(ctx context.Context, campaignID string) ([]model.Recipient, error) {
	return r.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = $1 ORDER BY id ASC`, campaignID)
}

func (r *campaignRepo) PendingRecipients(ctx context.Context, campaignID string, retryCeiling int, afterID int64, limit int) ([]model.Recipient, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients
		WHERE campaign_id = $1 AND id > $2
		AND (status = $3 OR (status = $4 AND retry_count < $5))
		ORDER BY id ASC
		LIMIT $6`
	return r.queryRecipients(ctx, query, campaignID, afterID,
		string(model.RecipientStatusPending), string(model.RecipientStatusFailed), retryCeiling, limit)
}

func (r *campaignRepo) RecordDelivery(ctx context.Context, campaignID string, recipientID int64, status model.RecipientStatus, errText string) (model.CampaignStatistics, error) {
	var stats model.CampaignStatistics
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		var sentAt *time.Time
		if status == model.RecipientStatusSent {
			now := time.Now()
			sentAt = &now
			errText = ""
		}
		tag, err := tx.Exec(ctx, `
			UPDATE campaign_recipients SET status = $1, error = $2, sent_at = $3
			WHERE id = $4 AND campaign_id = $5
		`, string(status), nullIfEmpty(errText), sentAt, recipientID, campaignID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		stats, err = refreshStatisticsTx(ctx, tx, campaignID)
		return err
	})
	return stats, err
}

func (r *campaignRepo) MarkForRetry(ctx context.Context, campaignID, number string, maxRetries int) (int, model.CampaignStatistics, error) {
	var (
		stats    model.CampaignStatistics
		affected int64
	)
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE campaign_recipients SET status = $1, retry_count = retry_count + 1, error = NULL
			WHERE campaign_id = $2 AND status = $3 AND retry_count < $4`
		args := []any{string(model.RecipientStatusPending), campaignID, string(model.RecipientStatusFailed), maxRetries}
		if number != "" {
			query += ` AND number = $5`
			args = append(args, number)
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		stats, err = refreshStatisticsTx(ctx, tx, campaignID)
		return err
	})
	return int(affected), stats, err
}

func (r *campaignRepo) RefreshStatistics(ctx context.Context, campaignID string) (model.CampaignStatistics, error) {
	var stats model.CampaignStatistics
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		stats, err = refreshStatisticsTx(ctx, tx, campaignID)
		return err
	})
	return stats, err
}

func (r *campaignRepo) queryCampaigns(ctx context.Context, query string, args ...any) ([]model.Campaign, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *campaignRepo) queryRecipients(ctx context.Context, query string, args ...any) ([]model.Recipient, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		var payload []byte
		var status string
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Number, &payload, &status, &rec.SentAt, &rec.Error, &rec.RetryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("postgres: payload do destinatário %d: %w", rec.ID, err)
		}
		rec.Status = model.RecipientStatus(status)
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func insertRecipients(ctx context.Context, tx pgx.Tx, campaignID string, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recipients {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("postgres: payload do destinatário: %w", err)
		}
		status := rec.Status
		if status == "" {
			status = model.RecipientStatusPending
		}
		batch.Queue(`
			INSERT INTO campaign_recipients (campaign_id, number, payload, status, sent_at, error, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, campaignID, rec.Number, string(payload), string(status), rec.SentAt, nullIfEmpty(rec.Error), rec.RetryCount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: inserir destinatários: %w", err)
	}
	return nil
}

func refreshStatisticsTx(ctx context.Context, tx pgx.Tx, campaignID string) (model.CampaignStatistics, error) {
	rows, err := tx.Query(ctx, `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return model.CampaignStatistics{}, err
	}
	counts := map[model.RecipientStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return model.CampaignStatistics{}, err
		}
		counts[model.RecipientStatus(status)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.CampaignStatistics{}, err
	}

	stats := model.StatisticsFromCounts(counts)
	raw, err := json.Marshal(stats)
	if err != nil {
		return model.CampaignStatistics{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE campaigns SET statistics = $1, updated_at = NOW() WHERE id = $2`, string(raw), campaignID); err != nil {
		return model.CampaignStatistics{}, err
	}
	return stats, nil
}

func scanCampaign(row pgx.Row) (model.Campaign, error) {
	var c model.Campaign
	var status string
	var message, settings, statistics []byte

	err := row.Scan(&c.ID, &c.Name, &c.CreatedBy, &c.SessionID, &status, &message, &settings, &statistics,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt, &c.RecipientCount)
	if err != nil {
		return model.Campaign{}, mapError(err)
	}
	c.Status = model.CampaignStatus(status)
	if err := json.Unmarshal(message, &c.Message); err != nil {
		return model.Campaign{}, fmt.Errorf("postgres: message da campanha %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return model.Campaign{}, fmt.Errorf("postgres: settings da campanha %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(statistics, &c.Statistics); err != nil {
		return model.Campaign{}, fmt.Errorf("postgres: statistics da campanha %s: %w", c.ID, err)
	}
	return c, nil
}

func encodeCampaignJSON(c model.Campaign) (string, string, error) {
	message, err := json.Marshal(c.Message)
	if err != nil {
		return "", "", fmt.Errorf("postgres: message: %w", err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return "", "", fmt.Errorf("postgres: settings: %w", err)
	}
	return string(message), string(settings), nil
}

func statusAllowed(current model.CampaignStatus, from []model.CampaignStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}
