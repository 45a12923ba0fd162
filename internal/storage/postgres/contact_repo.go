package postgres

import (
	"context"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

// contactRepo guarda o JID resolvido de cada número discado, evitando um
// IsOnWhatsApp por envio.
type contactRepo struct {
	db *DB
}

func NewContactRepository(db *DB) *contactRepo {
	return &contactRepo{db: db}
}

// Upsert só reescreve a linha quando o JID mudou, preservando updated_at
// como a data da última resolução diferente.
func (r *contactRepo) Upsert(ctx context.Context, contact model.Contact) error {
	now := time.Now().UTC()
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO contacts (phone, jid, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (phone) DO UPDATE
			SET jid = EXCLUDED.jid, updated_at = EXCLUDED.updated_at
			WHERE contacts.jid IS DISTINCT FROM EXCLUDED.jid
	`, contact.Phone, contact.JID, now)
	return err
}

func (r *contactRepo) GetByPhone(ctx context.Context, phone string) (model.Contact, error) {
	c := model.Contact{Phone: phone}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT jid, created_at, updated_at FROM contacts WHERE phone = $1`, phone,
	).Scan(&c.JID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Contact{}, mapError(err)
	}
	return c, nil
}
