package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Disparador-Signature"
	userAgent       = "Disparador/1.0"
)

// Delivery faz um único POST por evento. Falhas são devolvidas ao chamador,
// que apenas registra; não há nova tentativa.
type Delivery struct {
	client *http.Client
	log    *zap.Logger
}

func NewDelivery(log *zap.Logger, timeout time.Duration) *Delivery {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Delivery{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (d *Delivery) Deliver(ctx context.Context, url, secret string, event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("delivery: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("delivery: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery: status %d", resp.StatusCode)
	}
	d.log.Debug("delivery: sucesso", zap.String("webhook", url), zap.Int("status", resp.StatusCode))
	return nil
}

// Sign gera a assinatura HMAC-SHA256 enviada no cabeçalho.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func Verify(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
