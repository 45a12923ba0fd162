package session

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// renderQR gera o data URL PNG exibido junto do código de pareamento.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
