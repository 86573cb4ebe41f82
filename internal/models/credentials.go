package models

import "time"

// ExpirySource tells where a bundle's expiry came from.
type ExpirySource string

const (
	ExpiryFromCookie  ExpirySource = "cookie"
	ExpiryFromDefault ExpirySource = "default"
)

// Cookie is one browser cookie as reported by the login session.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
	// Expiry is unix seconds; 0 marks a session cookie.
	Expiry int64 `json:"expiry,omitempty"`
}

// ExpiresAt returns the cookie expiry and whether it has one.
func (c Cookie) ExpiresAt() (time.Time, bool) {
	if c.Expiry <= 0 {
		return time.Time{}, false
	}
	return time.Unix(c.Expiry, 0).UTC(), true
}

// CredentialBundle is the session material harvested after a login.
type CredentialBundle struct {
	SessionIndex   string
	TenantID       string
	PrimaryToken   string
	SecondaryToken string
	ExpiresAt      time.Time
	ExpirySource   ExpirySource
}

// ApplyTo merges the bundle into prior, keeping identity, mailbox secret and
// unmanaged keys.
func (b *CredentialBundle) ApplyTo(prior Account, loc *time.Location) Account {
	next := prior
	next.SessionIndex = b.SessionIndex
	next.TenantID = b.TenantID
	next.PrimaryToken = b.PrimaryToken
	next.SecondaryToken = b.SecondaryToken
	next.ExpiresAt = FormatExpiry(b.ExpiresAt, loc)
	return next
}
