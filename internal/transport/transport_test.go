package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Options{})
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, client.Timeout)
	assert.Nil(t, client.Jar)
}

func TestNewClientProxyAndJar(t *testing.T) {
	client, err := NewClient(Options{ProxyURL: "http://127.0.0.1:7890", Cookies: true, Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, client.Jar)

	rt := client.Transport.(*http.Transport)
	req := &http.Request{URL: &url.URL{Scheme: "https", Host: "example.com"}}
	proxy, err := rt.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7890", proxy.Host)
}

func TestNewClientInvalidProxy(t *testing.T) {
	_, err := NewClient(Options{ProxyURL: "://bad"})
	require.Error(t, err)
}

func TestNewClientInsecure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(Options{InsecureSkipVerify: true})
	require.NoError(t, err)
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
