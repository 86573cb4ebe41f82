// Package transport builds the HTTP clients shared by the REST collaborators.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// Options controls how a client reaches the network.
type Options struct {
	Timeout            time.Duration
	ProxyURL           string
	InsecureSkipVerify bool
	// Cookies keeps a cookie jar for the lifetime of the client.
	Cookies bool
}

// NewClient returns an HTTP client for opts. An empty ProxyURL falls back to
// the proxy environment variables.
func NewClient(opts Options) (*http.Client, error) {
	rt, err := NewTransport(opts)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: rt,
	}
	if client.Timeout <= 0 {
		client.Timeout = 20 * time.Second
	}

	if opts.Cookies {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}
	return client, nil
}

// NewTransport returns the round tripper used by NewClient.
func NewTransport(opts Options) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}

	rt := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.InsecureSkipVerify {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed mail relays
	}
	return rt, nil
}
