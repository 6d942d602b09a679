// Package ledger persists the entitlement ledger as a single JSON document.
//
// The document maps string user ids to records:
//
//	{ "<user id>": { "username": ..., "discriminator": ..., "display_name": ...,
//	                 "patreon_email": ..., "expiration_date": "<ISO-8601>" } }
//
// Every save overwrites the whole document.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/dukerupert/premiumsync/internal/model"
)

// timestampLayout matches what the document has always held: UTC with an
// explicit +00:00 offset and microseconds when present.
const timestampLayout = "2006-01-02T15:04:05.999999-07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type record struct {
	Username       string  `json:"username"`
	Discriminator  string  `json:"discriminator"`
	DisplayName    string  `json:"display_name"`
	PatreonEmail   *string `json:"patreon_email,omitempty"`
	ExpirationDate *string `json:"expiration_date"`
}

// Decode parses a ledger document. Expiry timestamps already before now are
// moved from ExpiresAt to LapsedAt; malformed fields and keys are logged and
// ignored. An empty document yields an
// empty ledger.
func Decode(data []byte, now time.Time, logger *slog.Logger) (*model.Ledger, error) {
	l := model.NewLedger()
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return model.NewLedger(), fmt.Errorf("decode ledger: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return model.NewLedger(), errors.New("decode ledger: document is not an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return model.NewLedger(), fmt.Errorf("decode ledger key: %w", err)
		}
		key, _ := tok.(string)

		var fields map[string]json.RawMessage
		if err := dec.Decode(&fields); err != nil {
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				return model.NewLedger(), fmt.Errorf("decode ledger entry %q: %w", key, err)
			}
			logger.Warn("skipping ledger entry that is not an object", "key", key)
			continue
		}
		if fields == nil {
			logger.Warn("skipping null ledger entry", "key", key)
			continue
		}

		id, err := snowflake.ParseString(strings.TrimSpace(key))
		if err != nil || id <= 0 {
			logger.Warn("skipping ledger entry with invalid user id", "key", key)
			continue
		}
		rec := decodeRecord(fields, logger.With("user_id", id.String()))

		e := model.Entitlement{
			Username:      rec.Username,
			Discriminator: rec.Discriminator,
			DisplayName:   rec.DisplayName,
		}
		if rec.PatreonEmail != nil {
			e.PatreonEmail = strings.ToLower(strings.TrimSpace(*rec.PatreonEmail))
		}
		if rec.ExpirationDate != nil && *rec.ExpirationDate != "" {
			t, err := ParseTimestamp(*rec.ExpirationDate)
			switch {
			case err != nil:
				logger.Warn("invalid expiration_date in ledger, treating as unset",
					"user_id", id.String(), "value", *rec.ExpirationDate)
			case t.Before(now):
				e.LapsedAt = &t
			default:
				e.ExpiresAt = &t
			}
		}
		l.Set(id, e)
	}

	if _, err := dec.Token(); err != nil {
		return model.NewLedger(), fmt.Errorf("decode ledger: %w", err)
	}
	return l, nil
}

// decodeRecord reads the known fields of one entry. A field of the wrong
// type is logged and left at its zero value.
func decodeRecord(fields map[string]json.RawMessage, logger *slog.Logger) record {
	var rec record
	str := func(name string) *string {
		raw, ok := fields[name]
		if !ok {
			return nil
		}
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("invalid field in ledger entry, treating as unset", "field", name, "value", string(raw))
			return nil
		}
		return v
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	rec.Username = deref(str("username"))
	rec.Discriminator = deref(str("discriminator"))
	rec.DisplayName = deref(str("display_name"))
	rec.PatreonEmail = str("patreon_email")
	rec.ExpirationDate = str("expiration_date")
	return rec
}

// Encode renders the full ledger document in insertion order.
func Encode(l *model.Ledger) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, id := range l.IDs() {
		e, _ := l.Get(id)
		rec := record{
			Username:      e.Username,
			Discriminator: e.Discriminator,
			DisplayName:   e.DisplayName,
		}
		if e.PatreonEmail != "" {
			email := e.PatreonEmail
			rec.PatreonEmail = &email
		}
		// A lapsed date is written back so the entry stays expired until
		// something observes and removes it.
		switch {
		case e.ExpiresAt != nil:
			s := FormatTimestamp(*e.ExpiresAt)
			rec.ExpirationDate = &s
		case e.LapsedAt != nil:
			s := FormatTimestamp(*e.LapsedAt)
			rec.ExpirationDate = &s
		}

		body, err := json.MarshalIndent(rec, "    ", "    ")
		if err != nil {
			return nil, fmt.Errorf("encode ledger entry %s: %w", id.String(), err)
		}
		key, _ := json.Marshal(id.String())

		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n    ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(body)
	}
	if l.Len() > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}")
	return buf.Bytes(), nil
}

// ParseTimestamp parses an ISO-8601 instant. Values without an offset are
// taken as UTC. The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t in UTC using the document's layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
