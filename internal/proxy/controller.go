package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

// Controller drives a Clash-compatible external controller: it lists the
// nodes of a selector group, latency-tests them in order and switches the
// group to the first one that answers in time.
type Controller struct {
	cfg        config.ControllerConfig
	proxyURL   string
	httpClient *http.Client
	logger     *logging.Logger

	startTries   uint64
	startBackoff time.Duration
}

// NewController creates a controller client. A nil httpClient uses a client
// with the configured timeout plus a second.
func NewController(cfg config.ControllerConfig, proxyURL string, httpClient *http.Client, logger *logging.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Group == "" {
		cfg.Group = "GLOBAL"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout + time.Second}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		cfg:          cfg,
		proxyURL:     proxyURL,
		httpClient:   httpClient,
		logger:       logger,
		startTries:   10,
		startBackoff: time.Second,
	}
}

func (c *Controller) ProxyURL() string { return c.proxyURL }

// Start waits for the controller API to answer.
func (c *Controller) Start(ctx context.Context) error {
	backoff := retry.WithMaxRetries(c.startTries-1, retry.NewConstant(c.startBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/", nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("controller status %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("proxy controller not reachable at %s: %w", c.cfg.URL, err)
	}
	return nil
}

type proxyEntry struct {
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

// FindHealthyNode picks the first node that passes the latency test and
// selects it in the group.
func (c *Controller) FindHealthyNode(ctx context.Context) (string, error) {
	proxies, err := c.proxies(ctx)
	if err != nil {
		return "", err
	}

	group := c.resolveGroup(proxies)
	if group == "" {
		return "", &errors.ErrNoHealthyNode{Group: c.cfg.Group}
	}

	for _, node := range proxies[group].All {
		if c.skip(node) {
			continue
		}
		delay, err := c.delay(ctx, node)
		if err != nil {
			c.logger.Debug("proxy node failed latency test", "node", node, "error", err)
			continue
		}
		if delay <= 0 || (c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay) {
			c.logger.Debug("proxy node too slow", "node", node, "delay", delay.String())
			continue
		}
		if err := c.selectNode(ctx, group, node); err != nil {
			c.logger.Warn("selecting proxy node failed", "group", group, "node", node, "error", err)
			continue
		}
		c.logger.Info("proxy node selected", "group", group, "node", node, "delay", delay.String())
		return node, nil
	}
	return "", &errors.ErrNoHealthyNode{Group: group}
}

// resolveGroup returns the configured group when it lists nodes, else the
// first selector group by name.
func (c *Controller) resolveGroup(proxies map[string]proxyEntry) string {
	if p, ok := proxies[c.cfg.Group]; ok && len(p.All) > 0 {
		return c.cfg.Group
	}
	names := make([]string, 0, len(proxies))
	for name := range proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := proxies[name]
		if p.Type == "Selector" && len(p.All) > 0 {
			return name
		}
	}
	return ""
}

func (c *Controller) skip(node string) bool {
	for _, kw := range c.cfg.SkipKeywords {
		if kw != "" && strings.Contains(node, kw) {
			return true
		}
	}
	return false
}

func (c *Controller) proxies(ctx context.Context) (map[string]proxyEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/proxies", nil)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list proxies: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Proxies map[string]proxyEntry `json:"proxies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return body.Proxies, nil
}

func (c *Controller) delay(ctx context.Context, node string) (time.Duration, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(c.cfg.Timeout.Milliseconds()))
	q.Set("url", c.cfg.TestURL)
	resp, err := c.do(ctx, http.MethodGet, "/proxies/"+url.PathEscape(node)+"/delay?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("delay test status %d", resp.StatusCode)
	}
	var body struct {
		Delay int `json:"delay"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return time.Duration(body.Delay) * time.Millisecond, nil
}

func (c *Controller) selectNode(ctx context.Context, group, node string) error {
	payload, err := json.Marshal(map[string]string{"name": node})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("select status %d", resp.StatusCode)
	}
	return nil
}

func (c *Controller) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}
	return c.httpClient.Do(req)
}

var _ Manager = (*Controller)(nil)
