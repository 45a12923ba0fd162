package sqlite

import (
	"context"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

type contactRepo struct {
	db *DB
}

func NewContactRepository(db *DB) *contactRepo {
	return &contactRepo{db: db}
}

// Upsert não toca na linha quando o JID resolvido é o mesmo.
func (r *contactRepo) Upsert(ctx context.Context, contact model.Contact) error {
	now := formatTime(time.Now())
	_, err := r.db.Conn.ExecContext(ctx, `
		INSERT INTO contacts (phone, jid, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?3)
		ON CONFLICT(phone) DO UPDATE
			SET jid = excluded.jid, updated_at = excluded.updated_at
			WHERE contacts.jid IS NOT excluded.jid
	`, contact.Phone, contact.JID, now)
	return err
}

func (r *contactRepo) GetByPhone(ctx context.Context, phone string) (model.Contact, error) {
	c := model.Contact{Phone: phone}
	var createdAt, updatedAt string
	err := r.db.Conn.QueryRowContext(ctx,
		`SELECT jid, created_at, updated_at FROM contacts WHERE phone = ?`, phone,
	).Scan(&c.JID, &createdAt, &updatedAt)
	if err != nil {
		return model.Contact{}, mapError(err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}
