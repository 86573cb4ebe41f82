package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
)

// ExpiryLayout is the wall-clock layout used for Account.ExpiresAt.
const ExpiryLayout = "2006-01-02 15:04:05"

// Account is one email-gated account together with the session material
// harvested from its last successful login. JSON keys follow the gateway's
// accounts-config format.
type Account struct {
	ID             string `json:"id"`
	MailPassword   string `json:"mail_password"`
	SessionIndex   string `json:"csesidx"`
	TenantID       string `json:"config_id"`
	PrimaryToken   string `json:"secure_c_ses"`
	SecondaryToken string `json:"host_c_oses"`
	ExpiresAt      string `json:"expires_at"`

	// Extra holds keys this program does not manage. They are written back
	// unchanged after the known keys.
	Extra map[string]json.RawMessage `json:"-"`

	origin *accountOrigin
}

type accountFields struct {
	ID, MailPassword, SessionIndex, TenantID, PrimaryToken, SecondaryToken, ExpiresAt string
}

// accountOrigin remembers the decoded bytes so an untouched record encodes
// back to exactly what was read.
type accountOrigin struct {
	fields accountFields
	raw    json.RawMessage
}

var accountKeys = []string{"id", "mail_password", "csesidx", "config_id", "secure_c_ses", "host_c_oses", "expires_at"}

func (a *Account) fields() accountFields {
	return accountFields{
		ID:             a.ID,
		MailPassword:   a.MailPassword,
		SessionIndex:   a.SessionIndex,
		TenantID:       a.TenantID,
		PrimaryToken:   a.PrimaryToken,
		SecondaryToken: a.SecondaryToken,
		ExpiresAt:      a.ExpiresAt,
	}
}

// UnmarshalJSON decodes the known keys and keeps everything else in Extra.
func (a *Account) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	targets := map[string]*string{
		"id":            &a.ID,
		"mail_password": &a.MailPassword,
		"csesidx":       &a.SessionIndex,
		"config_id":     &a.TenantID,
		"secure_c_ses":  &a.PrimaryToken,
		"host_c_oses":   &a.SecondaryToken,
		"expires_at":    &a.ExpiresAt,
	}

	a.Extra = nil
	for key, value := range all {
		target, known := targets[key]
		if !known {
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[key] = value
			continue
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			*target = ""
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err
	}
	a.origin = &accountOrigin{fields: a.fields(), raw: compact.Bytes()}
	return nil
}

// MarshalJSON writes the known keys in a fixed order followed by Extra
// sorted by key. A record whose known fields are unchanged since decoding
// is written back verbatim.
func (a Account) MarshalJSON() ([]byte, error) {
	if a.origin != nil && a.origin.fields == a.fields() {
		return a.origin.raw, nil
	}

	values := []string{a.ID, a.MailPassword, a.SessionIndex, a.TenantID, a.PrimaryToken, a.SecondaryToken, a.ExpiresAt}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range accountKeys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, key, values[i]); err != nil {
			return nil, err
		}
	}

	extraKeys := make([]string, 0, len(a.Extra))
	for key := range a.Extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		buf.WriteByte(',')
		name, err := marshalNoEscape(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(a.Extra[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key, value string) error {
	name, err := marshalNoEscape(key)
	if err != nil {
		return err
	}
	encoded, err := marshalNoEscape(value)
	if err != nil {
		return err
	}
	buf.Write(name)
	buf.WriteByte(':')
	buf.Write(encoded)
	return nil
}

func marshalNoEscape(v string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Validate checks the record carries an identity.
func (a *Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	return nil
}

// IsComplete reports whether the record holds a usable session.
func (a *Account) IsComplete() bool {
	return len(a.MissingFields()) == 0
}

// MissingFields lists the required session fields that are empty, by JSON key.
func (a *Account) MissingFields() []string {
	var missing []string
	if a.PrimaryToken == "" {
		missing = append(missing, "secure_c_ses")
	}
	if a.SessionIndex == "" {
		missing = append(missing, "csesidx")
	}
	if a.TenantID == "" {
		missing = append(missing, "config_id")
	}
	return missing
}

// HasMailbox reports whether the record can authenticate to its mailbox.
func (a *Account) HasMailbox() bool {
	return a.MailPassword != ""
}

// Expiry parses ExpiresAt in loc. RFC 3339 values are accepted as well.
// The second result is false when the value is absent or unparsable.
func (a *Account) Expiry(loc *time.Location) (time.Time, bool) {
	return ParseExpiry(a.ExpiresAt, loc)
}

// ParseExpiry parses a stored expiry string in loc.
func ParseExpiry(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(ExpiryLayout, value, loc); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), true
	}
	return time.Time{}, false
}

// FormatExpiry renders t in loc using ExpiryLayout.
func FormatExpiry(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(ExpiryLayout)
}

// Population is the ordered set of accounts managed in one run.
type Population []Account

// FindByID returns an account by identity.
func (p Population) FindByID(id string) (*Account, bool) {
	if i := p.Index(id); i >= 0 {
		return &p[i], true
	}
	return nil, false
}

// Index returns the position of id or -1.
func (p Population) Index(id string) int {
	for i := range p {
		if p[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy whose elements can be mutated independently.
func (p Population) Clone() Population {
	if p == nil {
		return nil
	}
	out := make(Population, len(p))
	for i, acc := range p {
		if acc.Extra != nil {
			extra := make(map[string]json.RawMessage, len(acc.Extra))
			for k, v := range acc.Extra {
				extra[k] = v
			}
			acc.Extra = extra
		}
		out[i] = acc
	}
	return out
}

// Validate checks every record and that identities are unique.
func (p Population) Validate() error {
	seen := make(map[string]int, len(p))
	for i := range p {
		if err := p[i].Validate(); err != nil {
			return fmt.Errorf("account %d: %w", i, err)
		}
		if prev, dup := seen[p[i].ID]; dup {
			return fmt.Errorf("duplicate account id %q at positions %d and %d", p[i].ID, prev, i)
		}
		seen[p[i].ID] = i
	}
	return nil
}

// Upsert merges candidate into the population. An incomplete candidate never
// replaces a complete record, and a replacement must expire strictly later
// than the stored record when both expiries parse. Unknown identities are
// appended.
func (p *Population) Upsert(candidate Account, loc *time.Location) error {
	if err := candidate.Validate(); err != nil {
		return err
	}

	i := p.Index(candidate.ID)
	if i < 0 {
		*p = append(*p, candidate)
		return nil
	}

	current := (*p)[i]
	if current.IsComplete() && !candidate.IsComplete() {
		return &errors.IncompleteCredentialError{Missing: candidate.MissingFields()}
	}

	currentExpiry, currentOK := current.Expiry(loc)
	candidateExpiry, candidateOK := candidate.Expiry(loc)
	if currentOK && (!candidateOK || !candidateExpiry.After(currentExpiry)) {
		return &errors.StaleExpiryError{Identity: candidate.ID, Current: currentExpiry, Candidate: candidateExpiry}
	}

	if candidate.Extra == nil && current.Extra != nil {
		candidate.Extra = current.Extra
	}
	(*p)[i] = candidate
	return nil
}

// Redacted returns a copy without secrets, suitable for status output.
func (a Account) Redacted() AccountView {
	return AccountView{
		ID:           a.ID,
		HasMailbox:   a.HasMailbox(),
		Complete:     a.IsComplete(),
		SessionIndex: mask(a.SessionIndex),
		TenantID:     a.TenantID,
		ExpiresAt:    a.ExpiresAt,
	}
}

// AccountView is the secret-free projection served by the status API.
type AccountView struct {
	ID           string `json:"id"`
	HasMailbox   bool   `json:"has_mailbox"`
	Complete     bool   `json:"complete"`
	SessionIndex string `json:"csesidx,omitempty"`
	TenantID     string `json:"config_id,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Remaining    string `json:"remaining,omitempty"`
	Due          bool   `json:"due"`
}

func mask(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[:6] + "..."
}
