// Package proxy selects the egress path used by the browser and mailbox
// traffic of a run.
package proxy

import (
	"context"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

// Manager prepares an egress path before a run touches any account.
type Manager interface {
	// Start makes the proxy ready to accept requests.
	Start(ctx context.Context) error
	// FindHealthyNode selects a working exit node and returns its name.
	FindHealthyNode(ctx context.Context) (string, error)
	// ProxyURL is the address clients should send traffic to, or "" for none.
	ProxyURL() string
}

// New returns the manager selected by cfg.
func New(cfg config.ProxyConfig, logger *logging.Logger) Manager {
	if cfg.Mode == config.ProxyController {
		return NewController(cfg.Controller, cfg.URL, nil, logger)
	}
	return NewDirect(cfg.URL)
}

// Direct uses a fixed proxy URL, or none.
type Direct struct {
	url string
}

// NewDirect returns a manager that always uses url.
func NewDirect(url string) *Direct {
	return &Direct{url: url}
}

func (d *Direct) Start(context.Context) error { return nil }

func (d *Direct) FindHealthyNode(context.Context) (string, error) { return "direct", nil }

func (d *Direct) ProxyURL() string { return d.url }

var _ Manager = (*Direct)(nil)
