package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

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
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	message, settings, err := encodeCampaignJSON(c)
	if err != nil {
		return model.Campaign{}, err
	}

	err = r.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO campaigns (id, name, created_by, session_id, status, message, settings, statistics, scheduled_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?, ?)
		`, c.ID, c.Name, nullIfEmpty(c.CreatedBy), nullIfEmpty(c.SessionID), string(c.Status), message, settings,
			formatTimePtr(c.ScheduledAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("sqlite: inserir campanha: %w", err)
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
	row := r.db.Conn.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns c WHERE c.id = ?`, id)
	return scanCampaign(row)
}

func (r *campaignRepo) List(ctx context.Context, ownerUserID string) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c`
	var args []any
	if ownerUserID != "" {
		query += ` WHERE c.created_by = ?`
		args = append(args, ownerUserID)
	}
	query += ` ORDER BY c.created_at DESC`
	return r.queryCampaigns(ctx, query, args...)
}

func (r *campaignRepo) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.status IN (` + strings.Join(placeholders, ", ") + `) ORDER BY c.updated_at DESC`
	return r.queryCampaigns(ctx, query, args...)
}

func (r *campaignRepo) ListDue(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c
		WHERE c.status = ? AND c.scheduled_at IS NOT NULL AND c.scheduled_at <= ?
		ORDER BY c.scheduled_at ASC`
	return r.queryCampaigns(ctx, query, string(model.CampaignStatusScheduled), formatTime(now))
}

func (r *campaignRepo) Update(ctx context.Context, c model.Campaign, recipients []model.Recipient) (model.Campaign, error) {
	message, settings, err := encodeCampaignJSON(c)
	if err != nil {
		return model.Campaign{}, err
	}

	err = r.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET name = ?, session_id = ?, scheduled_at = ?, message = ?, settings = ?, updated_at = ?
			WHERE id = ?
		`, c.Name, nullIfEmpty(c.SessionID), formatTimePtr(c.ScheduledAt), message, settings, formatTime(time.Now()), c.ID)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if recipients == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = ?`, c.ID); err != nil {
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
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&current); err != nil {
			return mapError(err)
		}
		if !statusAllowed(model.CampaignStatus(current), from) {
			return fmt.Errorf("%w: campanha em %s", model.ErrConflict, current)
		}

		now := formatTime(time.Now())
		query := `UPDATE campaigns SET status = ?, updated_at = ?`
		args := []any{string(to), now}
		if to.Active() {
			query += `, started_at = COALESCE(started_at, ?)`
			args = append(args, now)
		}
		if to == model.CampaignStatusCompleted {
			query += `, completed_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ?`
		args = append(args, id)
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return model.Campaign{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *campaignRepo) Delete(ctx context.Context, id string) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = ?`, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *campaignRepo) Recipients(ctx context.Context, campaignID string) ([]model.Recipient, error) {
	return r.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = ? ORDER BY id ASC`, campaignID)
}

func (r *campaignRepo) PendingRecipients(ctx context.Context, campaignID string, retryCeiling int, afterID int64, limit int) ([]model.Recipient, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients
		WHERE campaign_id = ? AND id > ?
		AND (status = ? OR (status = ? AND retry_count < ?))
		ORDER BY id ASC
		LIMIT ?`
	return r.queryRecipients(ctx, query, campaignID, afterID,
		string(model.RecipientStatusPending), string(model.RecipientStatusFailed), retryCeiling, limit)
}

func (r *campaignRepo) RecordDelivery(ctx context.Context, campaignID string, recipientID int64, status model.RecipientStatus, errText string) (model.CampaignStatistics, error) {
	var stats model.CampaignStatistics
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var sentAt *string
		if status == model.RecipientStatusSent {
			now := formatTime(time.Now())
			sentAt = &now
			errText = ""
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE campaign_recipients SET status = ?, error = ?, sent_at = ?
			WHERE id = ? AND campaign_id = ?
		`, string(status), nullIfEmpty(errText), sentAt, recipientID, campaignID)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
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
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE campaign_recipients SET status = ?, retry_count = retry_count + 1, error = NULL
			WHERE campaign_id = ? AND status = ? AND retry_count < ?`
		args := []any{string(model.RecipientStatusPending), campaignID, string(model.RecipientStatusFailed), maxRetries}
		if number != "" {
			query += ` AND number = ?`
			args = append(args, number)
		}
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = result.RowsAffected()
		stats, err = refreshStatisticsTx(ctx, tx, campaignID)
		return err
	})
	return int(affected), stats, err
}

func (r *campaignRepo) RefreshStatistics(ctx context.Context, campaignID string) (model.CampaignStatistics, error) {
	var stats model.CampaignStatistics
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stats, err = refreshStatisticsTx(ctx, tx, campaignID)
		return err
	})
	return stats, err
}

func (r *campaignRepo) queryCampaigns(ctx context.Context, query string, args ...any) ([]model.Campaign, error) {
	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
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
	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		var payload, status string
		var sentAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Number, &payload, &status, &sentAt, &rec.Error, &rec.RetryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: payload do destinatário %d: %w", rec.ID, err)
		}
		rec.Status = model.RecipientStatus(status)
		rec.SentAt = parseTimePtr(sentAt)
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func insertRecipients(ctx context.Context, tx *sql.Tx, campaignID string, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, number, payload, status, sent_at, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recipients {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("sqlite: payload do destinatário: %w", err)
		}
		status := rec.Status
		if status == "" {
			status = model.RecipientStatusPending
		}
		if _, err := stmt.ExecContext(ctx, campaignID, rec.Number, string(payload), string(status),
			formatTimePtr(rec.SentAt), nullIfEmpty(rec.Error), rec.RetryCount); err != nil {
			return fmt.Errorf("sqlite: inserir destinatário %s: %w", rec.Number, err)
		}
	}
	return nil
}

// refreshStatisticsTx recalcula o cache de estatísticas a partir das linhas
// de destinatários dentro da transação corrente.
func refreshStatisticsTx(ctx context.Context, tx *sql.Tx, campaignID string) (model.CampaignStatistics, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id = ? GROUP BY status`, campaignID)
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.CampaignStatistics{}, err
	}
	if err := rows.Close(); err != nil {
		return model.CampaignStatistics{}, err
	}

	stats := model.StatisticsFromCounts(counts)
	raw, err := json.Marshal(stats)
	if err != nil {
		return model.CampaignStatistics{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET statistics = ?, updated_at = ? WHERE id = ?`,
		string(raw), formatTime(time.Now()), campaignID); err != nil {
		return model.CampaignStatistics{}, err
	}
	return stats, nil
}

func scanCampaign(row rowScanner) (model.Campaign, error) {
	var c model.Campaign
	var status, message, settings, statistics, createdAt, updatedAt string
	var scheduledAt, startedAt, completedAt sql.NullString

	err := row.Scan(&c.ID, &c.Name, &c.CreatedBy, &c.SessionID, &status, &message, &settings, &statistics,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt, &c.RecipientCount)
	if err != nil {
		return model.Campaign{}, mapError(err)
	}
	c.Status = model.CampaignStatus(status)
	if err := decodeCampaignJSON(&c, message, settings, statistics); err != nil {
		return model.Campaign{}, err
	}
	c.ScheduledAt = parseTimePtr(scheduledAt)
	c.StartedAt = parseTimePtr(startedAt)
	c.CompletedAt = parseTimePtr(completedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func encodeCampaignJSON(c model.Campaign) (string, string, error) {
	message, err := json.Marshal(c.Message)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: message: %w", err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: settings: %w", err)
	}
	return string(message), string(settings), nil
}

func decodeCampaignJSON(c *model.Campaign, message, settings, statistics string) error {
	if err := json.Unmarshal([]byte(message), &c.Message); err != nil {
		return fmt.Errorf("sqlite: message da campanha %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return fmt.Errorf("sqlite: settings da campanha %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(statistics), &c.Statistics); err != nil {
		return fmt.Errorf("sqlite: statistics da campanha %s: %w", c.ID, err)
	}
	return nil
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
