package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

const finalURL = "https://business.gemini.google/home/cid/cfg-123/overview?csesidx=idx-456&hl=en"

func fixedNow() time.Time {
	return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
}

func TestExtract_FromCookieExpiry(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	e := NewExtractor(Options{ExpiryOffset: 12 * time.Hour, Location: shanghai}, fixedNow)

	cookieExpiry := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	bundle, err := e.Extract(finalURL, []models.Cookie{
		{Name: "NID", Value: "x"},
		{Name: "__Secure-C_SES", Value: "primary", Expiry: cookieExpiry.Unix()},
		{Name: "__Host-C_OSES", Value: "secondary"},
	})
	require.NoError(t, err)

	assert.Equal(t, "idx-456", bundle.SessionIndex)
	assert.Equal(t, "cfg-123", bundle.TenantID)
	assert.Equal(t, "primary", bundle.PrimaryToken)
	assert.Equal(t, "secondary", bundle.SecondaryToken)
	assert.Equal(t, models.ExpiryFromCookie, bundle.ExpirySource)
	assert.True(t, bundle.ExpiresAt.Equal(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)))
	assert.Equal(t, shanghai, bundle.ExpiresAt.Location())
}

func TestExtract_DefaultValidity(t *testing.T) {
	e := NewExtractor(Options{DefaultValidity: 24 * time.Hour}, fixedNow)

	bundle, err := e.Extract(finalURL, []models.Cookie{{Name: "__Secure-C_SES", Value: "primary"}})
	require.NoError(t, err)
	assert.Equal(t, models.ExpiryFromDefault, bundle.ExpirySource)
	assert.True(t, bundle.ExpiresAt.Equal(fixedNow().Add(24*time.Hour)))
	assert.Empty(t, bundle.SecondaryToken)
}

func TestExtract_Incomplete(t *testing.T) {
	e := NewExtractor(DefaultOptions(), fixedNow)

	tests := []struct {
		name    string
		url     string
		cookies []models.Cookie
		missing []string
	}{
		{
			name:    "missing tenant id",
			url:     "https://business.gemini.google/home?csesidx=1",
			cookies: []models.Cookie{{Name: "__Secure-C_SES", Value: "p"}},
			missing: []string{"config_id"},
		},
		{
			name:    "cid marker without value",
			url:     "https://business.gemini.google/cid?csesidx=1",
			cookies: []models.Cookie{{Name: "__Secure-C_SES", Value: "p"}},
			missing: []string{"config_id"},
		},
		{
			name:    "missing primary cookie",
			url:     finalURL,
			cookies: []models.Cookie{{Name: "__Host-C_OSES", Value: "s"}},
			missing: []string{"secure_c_ses"},
		},
		{
			name:    "nothing at all",
			url:     "",
			missing: []string{"secure_c_ses", "csesidx", "config_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle, err := e.Extract(tt.url, tt.cookies)
			assert.Nil(t, bundle)
			var incomplete *errors.IncompleteCredentialError
			require.ErrorAs(t, err, &incomplete)
			assert.Equal(t, tt.missing, incomplete.Missing)
		})
	}
}

func TestExtract_CustomNames(t *testing.T) {
	e := NewExtractor(Options{
		SessionIndexParam: "sid",
		TenantSegment:     "workspace",
		PrimaryCookie:     "SESSION",
	}, fixedNow)

	bundle, err := e.Extract("https://example.com/workspace/w1?sid=s1", []models.Cookie{{Name: "SESSION", Value: "v"}})
	require.NoError(t, err)
	assert.Equal(t, "w1", bundle.TenantID)
	assert.Equal(t, "s1", bundle.SessionIndex)
}

func TestExtract_BadURL(t *testing.T) {
	_, err := NewExtractor(DefaultOptions(), fixedNow).Extract("://", nil)
	require.Error(t, err)
}
