package campaign

import (
	"regexp"
	"strings"

	"github.com/open-apime/disparador/internal/storage/model"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitui os placeholders {{Name}}, {{JobTitle}}, {{Company}} /
// {{CompanyName}} (sem diferenciar maiúsculas) e os campos personalizados do
// destinatário. Placeholders desconhecidos ficam como estão; chaves
// reconhecidas sem valor viram string vazia.
func Render(template string, p model.RecipientPayload) string {
	if template == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		if value, ok := lookupPlaceholder(key, p); ok {
			return value
		}
		return token
	})
}

func lookupPlaceholder(key string, p model.RecipientPayload) (string, bool) {
	switch strings.ToLower(key) {
	case "name":
		return p.Name, true
	case "jobtitle":
		return p.JobTitle, true
	case "company", "companyname":
		return p.CompanyName, true
	}

	if value, ok := p.CustomFields[key]; ok {
		return value, true
	}
	for k, value := range p.CustomFields {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return "", false
}
