// Package credential turns the artifacts of a finished login into a
// validated credential bundle.
package credential

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// Options names where each piece of session material lives.
type Options struct {
	SessionIndexParam string
	TenantSegment     string
	PrimaryCookie     string
	SecondaryCookie   string
	// ExpiryOffset is subtracted from the primary cookie's expiry.
	ExpiryOffset time.Duration
	// DefaultValidity is used when the primary cookie has no expiry.
	DefaultValidity time.Duration
	Location        *time.Location
}

// DefaultOptions returns the names used by the service.
func DefaultOptions() Options {
	return Options{
		SessionIndexParam: "csesidx",
		TenantSegment:     "cid",
		PrimaryCookie:     "__Secure-C_SES",
		SecondaryCookie:   "__Host-C_OSES",
		ExpiryOffset:      12 * time.Hour,
		DefaultValidity:   12 * time.Hour,
		Location:          time.UTC,
	}
}

// Extractor parses final URLs and cookie sets.
type Extractor struct {
	opts Options
	now  func() time.Time
}

// NewExtractor creates an Extractor. Zero fields of opts take their defaults.
func NewExtractor(opts Options, now func() time.Time) *Extractor {
	def := DefaultOptions()
	if opts.SessionIndexParam == "" {
		opts.SessionIndexParam = def.SessionIndexParam
	}
	if opts.TenantSegment == "" {
		opts.TenantSegment = def.TenantSegment
	}
	if opts.PrimaryCookie == "" {
		opts.PrimaryCookie = def.PrimaryCookie
	}
	if opts.SecondaryCookie == "" {
		opts.SecondaryCookie = def.SecondaryCookie
	}
	if opts.DefaultValidity <= 0 {
		opts.DefaultValidity = def.DefaultValidity
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Extractor{opts: opts, now: now}
}

// Extract builds a bundle from the page URL and cookies after login.
// Missing session index, tenant id or primary token yields an
// IncompleteCredentialError naming every missing field.
func (e *Extractor) Extract(finalURL string, cookies []models.Cookie) (*models.CredentialBundle, error) {
	bundle := &models.CredentialBundle{}

	if finalURL != "" {
		u, err := url.Parse(finalURL)
		if err != nil {
			return nil, fmt.Errorf("parse final url: %w", err)
		}
		bundle.SessionIndex = u.Query().Get(e.opts.SessionIndexParam)
		bundle.TenantID = pathSegmentAfter(u.Path, e.opts.TenantSegment)
	}

	var primary *models.Cookie
	for i := range cookies {
		switch cookies[i].Name {
		case e.opts.PrimaryCookie:
			primary = &cookies[i]
			bundle.PrimaryToken = cookies[i].Value
		case e.opts.SecondaryCookie:
			bundle.SecondaryToken = cookies[i].Value
		}
	}

	var missing []string
	if bundle.PrimaryToken == "" {
		missing = append(missing, "secure_c_ses")
	}
	if bundle.SessionIndex == "" {
		missing = append(missing, "csesidx")
	}
	if bundle.TenantID == "" {
		missing = append(missing, "config_id")
	}
	if len(missing) > 0 {
		return nil, &errors.IncompleteCredentialError{Missing: missing}
	}

	bundle.ExpiresAt, bundle.ExpirySource = e.expiry(primary)
	return bundle, nil
}

func (e *Extractor) expiry(primary *models.Cookie) (time.Time, models.ExpirySource) {
	if primary != nil {
		if at, ok := primary.ExpiresAt(); ok {
			return at.Add(-e.opts.ExpiryOffset).In(e.opts.Location), models.ExpiryFromCookie
		}
	}
	return e.now().Add(e.opts.DefaultValidity).In(e.opts.Location), models.ExpiryFromDefault
}

func pathSegmentAfter(path, marker string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == marker && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
