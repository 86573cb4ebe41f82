// Package webdriver is a minimal W3C WebDriver client, enough to drive a
// login form through chromedriver or a Selenium grid.
package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// elementKey is the W3C web element identifier.
const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// Error is a WebDriver error response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("webdriver %s (status %d): %s", e.Code, e.Status, e.Message)
}

// IsNoSuchElement reports whether err means a selector matched nothing.
func IsNoSuchElement(err error) bool {
	var wdErr *Error
	return stderrors.As(err, &wdErr) && (wdErr.Code == "no such element" || wdErr.Code == "stale element reference")
}

// Client talks to a WebDriver endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the endpoint at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Capabilities describes the browser to start.
type Capabilities struct {
	BrowserName string
	Args        []string
	Headless    bool
	ProxyURL    string
}

func (c Capabilities) payload() map[string]any {
	args := append([]string(nil), c.Args...)
	if c.Headless {
		args = append(args, "--headless=new")
	}
	if c.ProxyURL != "" {
		args = append(args, "--proxy-server="+c.ProxyURL)
	}
	name := c.BrowserName
	if name == "" {
		name = "chrome"
	}
	return map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"browserName":         name,
				"acceptInsecureCerts": true,
				"goog:chromeOptions":  map[string]any{"args": args},
			},
		},
	}
}

// NewSession starts a browser.
func (c *Client) NewSession(ctx context.Context, caps Capabilities) (*Session, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", caps.payload(), &resp); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("new session: empty session id")
	}
	return &Session{client: c, id: resp.SessionID}, nil
}

// Status reports whether the endpoint can start new sessions.
func (c *Client) Status(ctx context.Context) (bool, string, error) {
	var resp struct {
		Ready   bool   `json:"ready"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return false, "", fmt.Errorf("status: %w", err)
	}
	return resp.Ready, resp.Message, nil
}

// do sends a command and decodes the "value" member of the reply into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		wdErr := &Error{Status: resp.StatusCode, Code: "unknown error"}
		var detail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Value, &detail) == nil && detail.Error != "" {
			wdErr.Code = detail.Error
			wdErr.Message = detail.Message
		}
		return wdErr
	}

	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Value, out)
}

// Session is one running browser.
type Session struct {
	client *Client
	id     string
}

// ID returns the WebDriver session id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) path(suffix string) string {
	return "/session/" + url.PathEscape(s.id) + suffix
}

// Navigate loads url in the current tab.
func (s *Session) Navigate(ctx context.Context, target string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/url"), map[string]string{"url": target}, nil)
}

// CurrentURL returns the address of the current page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var out string
	err := s.client.do(ctx, http.MethodGet, s.path("/url"), nil, &out)
	return out, err
}

// PageSource returns the serialized DOM.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	var out string
	err := s.client.do(ctx, http.MethodGet, s.path("/source"), nil, &out)
	return out, err
}

// FindElement returns the first element matching a CSS selector.
func (s *Session) FindElement(ctx context.Context, selector string) (*Element, error) {
	var ref map[string]string
	req := map[string]string{"using": "css selector", "value": selector}
	if err := s.client.do(ctx, http.MethodPost, s.path("/element"), req, &ref); err != nil {
		return nil, err
	}
	return &Element{session: s, id: ref[elementKey]}, nil
}

// FindElements returns every element matching a CSS selector.
func (s *Session) FindElements(ctx context.Context, selector string) ([]*Element, error) {
	var refs []map[string]string
	req := map[string]string{"using": "css selector", "value": selector}
	if err := s.client.do(ctx, http.MethodPost, s.path("/elements"), req, &refs); err != nil {
		return nil, err
	}
	out := make([]*Element, 0, len(refs))
	for _, ref := range refs {
		out = append(out, &Element{session: s, id: ref[elementKey]})
	}
	return out, nil
}

// Cookie is a cookie as reported by WebDriver.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Expiry int64  `json:"expiry"`
}

// Cookies returns all cookies visible to the current page.
func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := s.client.do(ctx, http.MethodGet, s.path("/cookie"), nil, &out)
	return out, err
}

// Quit ends the session and closes the browser.
func (s *Session) Quit(ctx context.Context) error {
	return s.client.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

// Element is a reference to a DOM element.
type Element struct {
	session *Session
	id      string
}

func (e *Element) path(suffix string) string {
	return e.session.path("/element/" + url.PathEscape(e.id) + suffix)
}

// Clear empties an input.
func (e *Element) Clear(ctx context.Context) error {
	return e.session.client.do(ctx, http.MethodPost, e.path("/clear"), struct{}{}, nil)
}

// SendKeys types text into the element.
func (e *Element) SendKeys(ctx context.Context, text string) error {
	return e.session.client.do(ctx, http.MethodPost, e.path("/value"), map[string]string{"text": text}, nil)
}

// Click clicks the element.
func (e *Element) Click(ctx context.Context) error {
	return e.session.client.do(ctx, http.MethodPost, e.path("/click"), struct{}{}, nil)
}

// Text returns the rendered text of the element.
func (e *Element) Text(ctx context.Context) (string, error) {
	var out string
	err := e.session.client.do(ctx, http.MethodGet, e.path("/text"), nil, &out)
	return out, err
}

// Displayed reports whether the element is visible.
func (e *Element) Displayed(ctx context.Context) (bool, error) {
	var out bool
	err := e.session.client.do(ctx, http.MethodGet, e.path("/displayed"), nil, &out)
	return out, err
}
