package whatsmeow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/storage/model"
)

var ErrInvalidJID = errors.New("JID inválido")

const jidCacheTTL = 24 * time.Hour

type jidCacheEntry struct {
	jid       types.JID
	expiresAt time.Time
}

type whatsAppChecker interface {
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
}

var jidCache sync.Map

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// phoneCandidates cobre o nono dígito dos celulares brasileiros: números
// antigos podem estar registrados com ou sem ele.
func phoneCandidates(phone string) []string {
	candidates := []string{phone}
	if !strings.HasPrefix(phone, "55") {
		return candidates
	}
	switch len(phone) {
	case 13:
		candidates = append(candidates, phone[:4]+phone[5:])
	case 12:
		candidates = append(candidates, phone[:4]+"9"+phone[4:])
	}
	return candidates
}

// resolveJID converte o número do destinatário no JID real do WhatsApp,
// consultando cache em memória, tabela de contatos e por fim IsOnWhatsApp.
func (f *Factory) resolveJID(ctx context.Context, client whatsAppChecker, to string) (types.JID, error) {
	if to == "" {
		return types.EmptyJID, ErrInvalidJID
	}

	if strings.Contains(to, "@g.us") || strings.Contains(to, "@broadcast") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, ErrInvalidJID
		}
		return jid, nil
	}

	phone := onlyDigits(strings.TrimSuffix(to, "@"+types.DefaultUserServer))
	if phone == "" {
		return types.EmptyJID, ErrInvalidJID
	}

	if val, ok := jidCache.Load(phone); ok {
		entry := val.(jidCacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.jid, nil
		}
		jidCache.Delete(phone)
	}

	if f.contacts != nil {
		if contact, err := f.contacts.GetByPhone(ctx, phone); err == nil {
			if jid, jerr := types.ParseJID(contact.JID); jerr == nil {
				f.log.Debug("JID resolvido via banco de dados", zap.String("phone", phone), zap.String("jid", jid.String()))
				jidCache.Store(phone, jidCacheEntry{jid: jid, expiresAt: time.Now().Add(jidCacheTTL)})
				return jid, nil
			}
		}
	}

	fallback := types.NewJID(phone, types.DefaultUserServer)
	candidates := phoneCandidates(phone)
	if len(candidates) == 1 {
		return fallback, nil
	}

	resp, err := client.IsOnWhatsApp(ctx, candidates)
	if err != nil {
		f.log.Warn("falha ao consultar IsOnWhatsApp, enviando original", zap.String("phone", phone), zap.Error(err))
		return fallback, nil
	}

	resolved := fallback
	for _, item := range resp {
		if item.IsIn && item.JID.User != "" {
			resolved = item.JID
			break
		}
	}

	jidCache.Store(phone, jidCacheEntry{jid: resolved, expiresAt: time.Now().Add(jidCacheTTL)})
	if f.contacts != nil {
		if err := f.contacts.Upsert(ctx, model.Contact{Phone: phone, JID: resolved.String()}); err != nil {
			f.log.Debug("erro ao salvar contato", zap.String("phone", phone), zap.Error(err))
		}
	}
	return resolved, nil
}
