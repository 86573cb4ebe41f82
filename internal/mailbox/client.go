// Package mailbox is a client for mail.tm compatible disposable mailbox
// providers such as DuckMail.
package mailbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// DefaultBaseURL is the DuckMail API root.
const DefaultBaseURL = "https://api.duckmail.sbs"

// Mailbox is a newly registered disposable inbox.
type Mailbox struct {
	Address  string
	Password string
	Token    string
}

// Client talks to the mailbox provider REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new mailbox client. A nil httpClient uses a client
// with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type hydraList[T any] struct {
	Members []T `json:"hydra:member"`
}

type domain struct {
	Domain   string `json:"domain"`
	IsActive bool   `json:"isActive"`
}

type credentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type messageSummary struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type messageDetail struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Text      string          `json:"text"`
	HTML      json.RawMessage `json:"html"`
	CreatedAt string          `json:"createdAt"`
}

// Domains lists the active mailbox domains offered by the provider.
func (c *Client) Domains(ctx context.Context) ([]string, error) {
	var domains hydraList[domain]
	if status, err := c.getJSON(ctx, "/domains", "", &domains); err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	} else if status != http.StatusOK {
		return nil, fmt.Errorf("list domains: unexpected status %d", status)
	}

	var active []string
	for _, d := range domains.Members {
		if d.IsActive {
			active = append(active, d.Domain)
		}
	}
	return active, nil
}

// Register creates a fresh mailbox on the first active domain and returns it
// authenticated.
func (c *Client) Register(ctx context.Context) (*Mailbox, error) {
	active, err := c.Domains(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no active mailbox domain")
	}
	chosen := active[0]

	password, err := randomSecret()
	if err != nil {
		return nil, err
	}
	local := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	box := &Mailbox{Address: local + "@" + chosen, Password: password}

	status, body, err := c.postJSON(ctx, "/accounts", credentials{Address: box.Address, Password: box.Password})
	if err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("create mailbox: unexpected status %d: %s", status, truncate(body))
	}

	token, err := c.Authenticate(ctx, box.Address, box.Password)
	if err != nil {
		return nil, err
	}
	box.Token = token
	return box, nil
}

// Authenticate exchanges the mailbox address and secret for a bearer token.
// Every failure is reported as an AuthError.
func (c *Client) Authenticate(ctx context.Context, address, password string) (string, error) {
	status, body, err := c.postJSON(ctx, "/token", credentials{Address: address, Password: password})
	if err != nil {
		return "", &errors.AuthError{Identity: address, Err: err}
	}
	if status != http.StatusOK {
		return "", &errors.AuthError{Identity: address, StatusCode: status}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", &errors.AuthError{Identity: address, StatusCode: status, Err: fmt.Errorf("decode token: %w", err)}
	}
	if tok.Token == "" {
		return "", &errors.AuthError{Identity: address, StatusCode: status, Err: fmt.Errorf("empty token")}
	}
	return tok.Token, nil
}

// PollMessages lists the inbox once and yields messages received at or after
// since, newest first as the provider orders them. Message bodies are fetched
// only when the consumer asks for the next item. Call again to poll again.
func (c *Client) PollMessages(ctx context.Context, token string, since time.Time) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		var list hydraList[messageSummary]
		status, err := c.getJSON(ctx, "/messages", token, &list)
		if err != nil {
			yield(models.Message{}, fmt.Errorf("list messages: %w", err))
			return
		}
		if status == http.StatusUnauthorized {
			yield(models.Message{}, &errors.AuthError{StatusCode: status, Err: fmt.Errorf("mailbox token rejected")})
			return
		}
		if status != http.StatusOK {
			yield(models.Message{}, fmt.Errorf("list messages: unexpected status %d", status))
			return
		}

		for _, summary := range list.Members {
			received, ok := parseTimestamp(summary.CreatedAt)
			if ok && received.Before(since) {
				continue
			}

			msg, err := c.fetchMessage(ctx, token, summary.ID)
			if err != nil {
				if !yield(models.Message{ID: summary.ID}, err) {
					return
				}
				continue
			}
			if msg.ReceivedAt.IsZero() {
				msg.ReceivedAt = received
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (c *Client) fetchMessage(ctx context.Context, token, id string) (models.Message, error) {
	var detail messageDetail
	status, err := c.getJSON(ctx, "/messages/"+id, token, &detail)
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	if status != http.StatusOK {
		return models.Message{}, fmt.Errorf("get message %s: unexpected status %d", id, status)
	}

	received, _ := parseTimestamp(detail.CreatedAt)
	return models.Message{
		ID:         id,
		ReceivedAt: received,
		Subject:    detail.Subject,
		Text:       detail.Text,
		HTML:       decodeHTML(detail.HTML),
	}, nil
}

// decodeHTML accepts both a plain string and the mail.tm array of parts.
func decodeHTML(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "\n")
	}
	return ""
}

// parseTimestamp normalizes provider timestamps to UTC. Values without a
// zone are taken as UTC.
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any) (int, []byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
