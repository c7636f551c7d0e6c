// Package csvparser turns uploaded recipient lists into bulk-send
// payloads. Input is a header-first CSV with at least an Email column;
// a Name column is picked up when present and every remaining column is
// carried along as template data.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
)

// DefaultMaxRows caps list size when the caller does not set one.
const DefaultMaxRows = 1000

// Recipient is one parsed row. Fields holds every column other than
// Email and Name, keyed by the trimmed header.
type Recipient struct {
	Name   string
	Email  string
	Fields map[string]string
}

// ParseRecipients reads a recipient CSV. Rows with a malformed or empty
// email address are skipped, not fatal; a file that yields zero usable
// rows is an error.
func ParseRecipients(r io.Reader, maxRows int) ([]Recipient, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	emailIdx, nameIdx := -1, -1
	cols := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		cols[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "name"):
			nameIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	recipients := make([]Recipient, 0, 16)
	for len(recipients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		if emailIdx >= len(record) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		if _, err := mail.ParseAddress(email); err != nil {
			continue
		}

		rec := Recipient{Email: email, Fields: make(map[string]string)}
		if nameIdx != -1 && nameIdx < len(record) {
			rec.Name = strings.TrimSpace(record[nameIdx])
		}
		for i := range record {
			if i == emailIdx || i == nameIdx || i >= len(cols) || cols[i] == "" {
				continue
			}
			rec.Fields[cols[i]] = strings.TrimSpace(record[i])
		}
		recipients = append(recipients, rec)
	}

	if len(recipients) == 0 {
		return nil, errors.New("csv contains no usable recipients")
	}
	return recipients, nil
}
