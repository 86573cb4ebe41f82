package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))

	r := gin.New()
	r.Use(APIKeyAuth([]string{"key1"}, "", logger))
	r.GET("/", func(c *gin.Context) {
		auth, _ := c.Get("authenticated")
		if auth == true {
			c.Status(200)
		} else {
			c.Status(500)
		}
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing key")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "bad")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for invalid key")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "key1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected ok for valid key")
	}
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))

	r := gin.New()
	r.Use(APIKeyAuth(nil, "", logger))
	r.GET("/", func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "anything")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden when no keys are configured, got %d", w.Code)
	}
}

func TestAPIKeyAuth_CustomHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))

	r := gin.New()
	r.Use(APIKeyAuth([]string{"k1", "k2"}, "X-Admin-Key", logger))
	r.GET("/", func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Admin-Key", "k2")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected ok for second key on custom header")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, "k2")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized when key is sent on the default header")
	}
}

func TestMaskAPIKeys(t *testing.T) {
	masked := MaskAPIKeys([]string{"abcd", "abcdef"})
	if masked[0] != "****" {
		t.Fatalf("unexpected mask for short key: %s", masked[0])
	}
	if masked[1] != "abcd**" {
		t.Fatalf("unexpected mask for long key: %s", masked[1])
	}
}
