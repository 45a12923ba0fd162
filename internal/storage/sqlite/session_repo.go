package sqlite

import (
	"context"
	"database/sql"
	"time"

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
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
		INSERT INTO sessions (id, status, detail, qr, reason, owner_user_id, webhook_url, webhook_secret, token_hash, token_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			qr = excluded.qr,
			reason = excluded.reason,
			owner_user_id = excluded.owner_user_id,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			token_hash = excluded.token_hash,
			token_updated_at = excluded.token_updated_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.Conn.ExecContext(ctx, query,
		s.ID, string(s.Status), s.Detail, nullIfEmpty(s.QR), nullIfEmpty(s.Reason), nullIfEmpty(s.OwnerUserID),
		nullIfEmpty(s.WebhookURL), nullIfEmpty(s.WebhookSecret), nullIfEmpty(s.TokenHash),
		formatTimePtr(s.TokenUpdatedAt), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	return s, nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (model.Session, error) {
	row := r.db.Conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (model.Session, error) {
	row := r.db.Conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	return scanSession(row)
}

func (r *sessionRepo) List(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.Conn.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
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
	result, err := r.db.Conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return mapError(sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var s model.Session
	var status, createdAt, updatedAt string
	var tokenUpdatedAt sql.NullString

	err := row.Scan(
		&s.ID, &status, &s.Detail, &s.QR, &s.Reason, &s.OwnerUserID,
		&s.WebhookURL, &s.WebhookSecret, &s.TokenHash, &tokenUpdatedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Session{}, mapError(err)
	}
	s.Status = model.SessionStatus(status)
	s.TokenUpdatedAt = parseTimePtr(tokenUpdatedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}
