package campaign

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/open-apime/disparador/internal/storage/model"
)

var exportHeader = []string{"Number", "Name", "Job Title", "Company", "Status", "Sent At", "Error"}

// WriteResultsCSV gera o relatório de envio na ordem de inserção.
func WriteResultsCSV(w io.Writer, recipients []model.Recipient) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range recipients {
		sentAt := ""
		if r.SentAt != nil {
			sentAt = r.SentAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			r.Number,
			r.Payload.Name,
			r.Payload.JobTitle,
			r.Payload.CompanyName,
			string(r.Status),
			sentAt,
			r.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Cabeçalhos aceitos na importação, já em minúsculas.
var (
	numberHeaders  = []string{"whatsapp number", "phone", "number", "mobile", "contact"}
	nameHeaders    = []string{"name", "full name"}
	jobHeaders     = []string{"job title", "job_title", "title", "position"}
	companyHeaders = []string{"company name", "company_name", "company", "organization"}
)

type ImportResult struct {
	Recipients []RecipientInput `json:"recipients"`
	Errors     []string         `json:"errors"`
	Headers    []string         `json:"headers"`
}

// ParseRecipientsCSV lê uma planilha de destinatários. O separador (vírgula
// ou ponto e vírgula) é detectado pela primeira linha; colunas não
// reconhecidas viram campos personalizados.
func ParseRecipientsCSV(r io.Reader) (ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ImportResult{}, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	firstLine := string(data)
	if i := strings.IndexAny(firstLine, "\r\n"); i >= 0 {
		firstLine = firstLine[:i]
	}
	cr := csv.NewReader(bytes.NewReader(data))
	if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		cr.Comma = ';'
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return ImportResult{}, invalid("file", "empty CSV")
	}
	if err != nil {
		return ImportResult{}, invalid("file", err.Error())
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	column := func(aliases []string) int {
		for _, alias := range aliases {
			for i, h := range header {
				if strings.ToLower(h) == alias {
					return i
				}
			}
		}
		return -1
	}
	numberCol := column(numberHeaders)
	nameCol := column(nameHeaders)
	jobCol := column(jobHeaders)
	companyCol := column(companyHeaders)
	known := map[int]bool{numberCol: true, nameCol: true, jobCol: true, companyCol: true}

	res := ImportResult{Headers: header}
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Row %d: %v", line, err))
			continue
		}
		if blank(record) {
			continue
		}

		get := func(i int) string {
			if i < 0 || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		raw := get(numberCol)
		if raw == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("Row %d: Missing phone number.", line))
			continue
		}
		number, ok := NormalizeNumber(raw)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("Row %d: Invalid phone number format: %s", line, raw))
			continue
		}

		custom := map[string]string{}
		for i, h := range header {
			if known[i] || h == "" {
				continue
			}
			custom[h] = get(i)
		}
		if len(custom) == 0 {
			custom = nil
		}

		res.Recipients = append(res.Recipients, RecipientInput{
			Number:       number,
			Name:         get(nameCol),
			JobTitle:     get(jobCol),
			CompanyName:  get(companyCol),
			CustomFields: custom,
		})
	}
	return res, nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
