package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/session/webdriver"
)

// Selectors lists CSS selectors tried in order for each form element.
type Selectors struct {
	Email          []string
	Continue       []string
	Code           []string
	CodeSubmit     []string
	SkipButtonText []string
}

// Markers lists page fragments that identify the login state.
type Markers struct {
	Rejection  []string
	InProgress []string
	Success    []string
	SuccessURL []string
}

// BrowserOptions configures BrowserDriver.
type BrowserOptions struct {
	LoginURL     string
	Capabilities webdriver.Capabilities
	Selectors    Selectors
	Markers      Markers
	// PageTimeout bounds the wait for the login form to render.
	PageTimeout time.Duration
	// SettleDelay is paused after typing and clicking.
	SettleDelay  time.Duration
	PollInterval time.Duration
}

// BrowserDriver implements Driver on top of a WebDriver endpoint.
type BrowserDriver struct {
	client *webdriver.Client
	opts   BrowserOptions
}

// NewBrowserDriver creates a driver that starts one browser per Open.
func NewBrowserDriver(client *webdriver.Client, opts BrowserOptions) *BrowserDriver {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &BrowserDriver{client: client, opts: opts}
}

// Open starts a browser and loads the login page.
func (d *BrowserDriver) Open(ctx context.Context) (Session, error) {
	wd, err := d.client.NewSession(ctx, d.opts.Capabilities)
	if err != nil {
		return nil, err
	}
	s := &browserSession{wd: wd, opts: d.opts}
	if err := wd.Navigate(ctx, d.opts.LoginURL); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open login page: %w", err)
	}
	return s, nil
}

type browserSession struct {
	wd   *webdriver.Session
	opts BrowserOptions
}

func (s *browserSession) SubmitIdentity(ctx context.Context, identity string) error {
	field, err := s.waitFor(ctx, s.opts.Selectors.Email, s.opts.PageTimeout)
	if err != nil {
		return fmt.Errorf("email field: %w", err)
	}
	if err := field.Clear(ctx); err != nil {
		return err
	}
	if err := field.SendKeys(ctx, identity); err != nil {
		return err
	}
	if err := pause(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	button, err := s.findFirst(ctx, s.opts.Selectors.Continue)
	if err != nil {
		return fmt.Errorf("continue button: %w", err)
	}
	if err := button.Click(ctx); err != nil {
		return err
	}
	if err := pause(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	return s.checkRejected(ctx)
}

func (s *browserSession) AwaitCodeEntry(ctx context.Context) error {
	for {
		if err := s.checkRejected(ctx); err != nil {
			return err
		}
		if field, err := s.findFirst(ctx, s.opts.Selectors.Code); err == nil {
			if shown, err := field.Displayed(ctx); err == nil && shown {
				return nil
			}
		} else if !webdriver.IsNoSuchElement(err) {
			return err
		}
		if err := pause(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *browserSession) SubmitCode(ctx context.Context, code string) error {
	field, err := s.findFirst(ctx, s.opts.Selectors.Code)
	if err != nil {
		return fmt.Errorf("code field: %w", err)
	}
	if err := field.Clear(ctx); err != nil {
		return err
	}
	if err := field.SendKeys(ctx, code); err != nil {
		return err
	}
	if err := pause(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	for _, selector := range s.opts.Selectors.CodeSubmit {
		buttons, err := s.wd.FindElements(ctx, selector)
		if err != nil {
			continue
		}
		for _, button := range buttons {
			text, _ := button.Text(ctx)
			if containsAny(text, s.opts.Selectors.SkipButtonText) != "" {
				continue
			}
			return button.Click(ctx)
		}
	}
	return fmt.Errorf("no code submit button matched")
}

func (s *browserSession) Probe(ctx context.Context) (Indicator, error) {
	current, err := s.wd.CurrentURL(ctx)
	if err != nil {
		return IndicatorNone, err
	}
	if containsAny(current, s.opts.Markers.SuccessURL) != "" {
		return IndicatorSuccess, nil
	}

	source, err := s.wd.PageSource(ctx)
	if err != nil {
		return IndicatorNone, err
	}
	if containsAny(source, s.opts.Markers.InProgress) != "" {
		return IndicatorInProgress, nil
	}
	if containsAny(source, s.opts.Markers.Success) != "" {
		return IndicatorSuccess, nil
	}
	return IndicatorNone, nil
}

func (s *browserSession) Artifacts(ctx context.Context) (*Artifacts, error) {
	current, err := s.wd.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read url: %w", err)
	}
	raw, err := s.wd.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]models.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, models.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Expiry: c.Expiry,
		})
	}
	return &Artifacts{FinalURL: current, Cookies: cookies}, nil
}

func (s *browserSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.wd.Quit(ctx)
}

func (s *browserSession) checkRejected(ctx context.Context) error {
	source, err := s.wd.PageSource(ctx)
	if err != nil {
		return err
	}
	if marker := containsAny(source, s.opts.Markers.Rejection); marker != "" {
		return &Rejection{Marker: marker}
	}
	return nil
}

// findFirst tries each selector in order.
func (s *browserSession) findFirst(ctx context.Context, selectors []string) (*webdriver.Element, error) {
	var lastErr error
	for _, selector := range selectors {
		el, err := s.wd.FindElement(ctx, selector)
		if err == nil {
			return el, nil
		}
		lastErr = err
		if !webdriver.IsNoSuchElement(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no selectors configured")
	}
	return nil, lastErr
}

// waitFor polls findFirst until an element appears or timeout elapses.
func (s *browserSession) waitFor(ctx context.Context, selectors []string, timeout time.Duration) (*webdriver.Element, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		el, err := s.findFirst(ctx, selectors)
		if err == nil || !webdriver.IsNoSuchElement(err) {
			return el, err
		}
		if perr := pause(ctx, s.opts.PollInterval); perr != nil {
			return nil, err
		}
	}
}

func containsAny(haystack string, needles []string) string {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return n
		}
	}
	return ""
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
