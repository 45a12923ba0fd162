package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/open-apime/disparador/internal/storage/model"
)

type sessionRepo struct {
	db *DB
}

func NewSessionRepository(db *DB) *sessionRepo {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, status, detail, COALESCE(qr, ''), COALESCE(reason, ''), COALESCE(owner_user_id, ''),
	COALESCE(webhook_url, ''), COALESCE(webhook_secret, ''), COALESCE(token_hash, ''), token_updated_at, created_at, updated_at`

func (r *sessionRepo) Upsert(ctx context.Context, s model.Session) (model.Session, error) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
		INSERT INTO sessions (id, status, detail, qr, reason, owner_user_id, webhook_url, webhook_secret, token_hash, token_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			qr = EXCLUDED.qr,
			reason = EXCLUDED.reason,
			owner_user_id = EXCLUDED.owner_user_id,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret = EXCLUDED.webhook_secret,
			token_hash = EXCLUDED.token_hash,
			token_updated_at = EXCLUDED.token_updated_at,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		s.ID, string(s.Status), s.Detail, nullIfEmpty(s.QR), nullIfEmpty(s.Reason), nullIfEmpty(s.OwnerUserID),
		nullIfEmpty(s.WebhookURL), nullIfEmpty(s.WebhookSecret), nullIfEmpty(s.TokenHash),
		s.TokenUpdatedAt, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.CreatedAt)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	return s, nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (model.Session, error) {
	return scanSession(r.db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (model.Session, error) {
	return scanSession(r.db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash))
}

func (r *sessionRepo) List(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	var status string
	err := row.Scan(
		&s.ID, &status, &s.Detail, &s.QR, &s.Reason, &s.OwnerUserID,
		&s.WebhookURL, &s.WebhookSecret, &s.TokenHash, &s.TokenUpdatedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	s.Status = model.SessionStatus(status)
	return s, nil
}
