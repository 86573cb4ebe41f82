// Package gateway pushes a refreshed population to the API gateway that
// serves the accounts and asks it to reload.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// Client talks to the gateway admin API.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a gateway client. A nil httpClient uses a client with a
// 30 second timeout.
func NewClient(baseURL, adminKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminKey:   adminKey,
		httpClient: httpClient,
	}
}

// Reload logs in with the admin key and replaces the gateway's accounts
// config with pop. Each call uses a fresh admin session.
func (c *Client) Reload(ctx context.Context, pop models.Population) error {
	client, err := c.session()
	if err != nil {
		return &errors.GatewayError{Step: "login", Err: err}
	}

	if err := c.login(ctx, client); err != nil {
		return err
	}

	body, err := encode(pop)
	if err != nil {
		return &errors.GatewayError{Step: "reload", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/admin/accounts-config", bytes.NewReader(body))
	if err != nil {
		return &errors.GatewayError{Step: "reload", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &errors.GatewayError{Step: "reload", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &errors.GatewayError{Step: "reload", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) login(ctx context.Context, client *http.Client) error {
	form := url.Values{"admin_key": {c.adminKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &errors.GatewayError{Step: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return &errors.GatewayError{Step: "login", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return &errors.GatewayError{Step: "login", StatusCode: resp.StatusCode}
	}
	return nil
}

// Ping checks the gateway answers at all.
func (c *Client) Ping(ctx context.Context) (int, time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, &errors.GatewayError{Step: "ping", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

// session copies the base client with an empty cookie jar so the admin
// cookie never leaks between reloads.
func (c *Client) session() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := *c.httpClient
	client.Jar = jar
	return &client, nil
}

func encode(pop models.Population) ([]byte, error) {
	if pop == nil {
		pop = models.Population{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pop); err != nil {
		return nil, fmt.Errorf("encode population: %w", err)
	}
	return buf.Bytes(), nil
}
