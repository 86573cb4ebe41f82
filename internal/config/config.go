package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version  string         `yaml:"version"`
	Log      LogConfig      `yaml:"log"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Pacing   PacingConfig   `yaml:"pacing"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Login    LoginConfig    `yaml:"login"`
	Storage  StorageConfig  `yaml:"storage"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	// Redact masks mailbox passwords and session cookies in log fields.
	Redact bool `yaml:"redact"`
}

// RefreshConfig holds the timing constants of the refresh state machine.
type RefreshConfig struct {
	Threshold          time.Duration `yaml:"threshold"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	StageTimeout       time.Duration `yaml:"stage_timeout"`
	CodeTimeout        time.Duration `yaml:"code_timeout"`
	CodePollInterval   time.Duration `yaml:"code_poll_interval"`
	SuccessTimeout     time.Duration `yaml:"success_timeout"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	GraceWindow        time.Duration `yaml:"grace_window"`
	Timezone           string        `yaml:"timezone"`
	CookieExpiryOffset time.Duration `yaml:"cookie_expiry_offset"`
	DefaultValidity    time.Duration `yaml:"default_validity"`
}

// PacingConfig spaces refresh attempts apart.
type PacingConfig struct {
	MinDelay       time.Duration `yaml:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	LongPauseEvery int           `yaml:"long_pause_every"`
	LongPause      time.Duration `yaml:"long_pause"`
}

// MailboxConfig contains the disposable mailbox provider settings.
type MailboxConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	UseProxy           bool          `yaml:"use_proxy"`
}

// LoginConfig contains the browser automation settings.
type LoginConfig struct {
	WebDriverURL string           `yaml:"webdriver_url"`
	LoginURL     string           `yaml:"login_url"`
	Headless     bool             `yaml:"headless"`
	BrowserArgs  []string         `yaml:"browser_args"`
	PageTimeout  time.Duration    `yaml:"page_timeout"`
	SettleDelay  time.Duration    `yaml:"settle_delay"`
	Selectors    SelectorConfig   `yaml:"selectors"`
	Markers      MarkerConfig     `yaml:"markers"`
	Credential   CredentialConfig `yaml:"credential"`
}

// SelectorConfig lists CSS selectors tried in order for each form element.
type SelectorConfig struct {
	Email      []string `yaml:"email"`
	Continue   []string `yaml:"continue"`
	Code       []string `yaml:"code"`
	CodeSubmit []string `yaml:"code_submit"`
	// SkipButtonText excludes buttons such as "resend code" from CodeSubmit.
	SkipButtonText []string `yaml:"skip_button_text"`
}

// MarkerConfig lists page text fragments the login flow recognises.
type MarkerConfig struct {
	Rejection  []string `yaml:"rejection"`
	InProgress []string `yaml:"in_progress"`
	Success    []string `yaml:"success"`
	SuccessURL []string `yaml:"success_url"`
}

// CredentialConfig names where session material is found.
type CredentialConfig struct {
	SessionIndexParam string `yaml:"session_index_param"`
	TenantSegment     string `yaml:"tenant_segment"`
	PrimaryCookie     string `yaml:"primary_cookie"`
	SecondaryCookie   string `yaml:"secondary_cookie"`
}

// StorageConfig contains local and remote persistence settings.
type StorageConfig struct {
	LocalPath   string       `yaml:"local_path"`
	JournalPath string       `yaml:"journal_path"`
	Remote      RemoteConfig `yaml:"remote"`
}

// RemoteConfig selects the remote key-value backend.
type RemoteConfig struct {
	Driver string   `yaml:"driver"`
	DSN    string   `yaml:"dsn"`
	Key    string   `yaml:"key"`
	S3     S3Config `yaml:"s3"`
}

// S3Config contains object storage settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Remote store drivers.
const (
	DriverNone     = ""
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverS3       = "s3"
)

// GatewayConfig contains the downstream API gateway reload settings.
type GatewayConfig struct {
	URL      string        `yaml:"url"`
	AdminKey string        `yaml:"admin_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ProxyConfig contains egress settings.
type ProxyConfig struct {
	Mode       string           `yaml:"mode"`
	URL        string           `yaml:"url"`
	Controller ControllerConfig `yaml:"controller"`
}

// Proxy modes.
const (
	ProxyDirect     = "direct"
	ProxyController = "controller"
)

// ControllerConfig points at a Clash-compatible external controller.
type ControllerConfig struct {
	URL          string        `yaml:"url"`
	Secret       string        `yaml:"secret"`
	Group        string        `yaml:"group"`
	TestURL      string        `yaml:"test_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	SkipKeywords []string      `yaml:"skip_keywords"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile"`
}

// ServerConfig contains settings for the serve command.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Interval        time.Duration `yaml:"interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	APIKeys         []string      `yaml:"api_keys"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if err := c.Pacing.Validate(); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	if err := c.Mailbox.Validate(); err != nil {
		return fmt.Errorf("mailbox: %w", err)
	}
	if err := c.Login.Validate(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Validate validates log configuration.
func (l *LogConfig) Validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Service == "" {
		l.Service = "cookie-refresh"
	}
	return nil
}

// Validate validates refresh timings.
func (r *RefreshConfig) Validate() error {
	if r.Threshold <= 0 {
		r.Threshold = 2 * time.Hour
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.RetryBackoff <= 0 {
		r.RetryBackoff = 5 * time.Second
	}
	if r.StageTimeout <= 0 {
		r.StageTimeout = 30 * time.Second
	}
	if r.CodeTimeout <= 0 {
		r.CodeTimeout = 180 * time.Second
	}
	if r.CodePollInterval <= 0 {
		r.CodePollInterval = 3 * time.Second
	}
	if r.CodePollInterval > r.CodeTimeout {
		return fmt.Errorf("code_poll_interval must not exceed code_timeout")
	}
	if r.SuccessTimeout <= 0 {
		r.SuccessTimeout = 40 * time.Second
	}
	if r.ProbeInterval <= 0 {
		r.ProbeInterval = time.Second
	}
	if r.GraceWindow < 0 {
		return fmt.Errorf("grace_window cannot be negative")
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if r.CookieExpiryOffset < 0 {
		return fmt.Errorf("cookie_expiry_offset cannot be negative")
	}
	if r.DefaultValidity <= 0 {
		r.DefaultValidity = 12 * time.Hour
	}
	return nil
}

// Location returns the canonical time zone for stored expiries.
func (r *RefreshConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate validates pacing configuration.
func (p *PacingConfig) Validate() error {
	if p.MinDelay < 0 || p.MaxDelay < 0 || p.LongPause < 0 || p.LongPauseEvery < 0 {
		return fmt.Errorf("pacing values cannot be negative")
	}
	if p.MinDelay == 0 && p.MaxDelay == 0 {
		p.MinDelay = 2 * time.Second
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.LongPauseEvery > 0 && p.LongPause == 0 {
		p.LongPause = 30 * time.Second
	}
	return nil
}

// Validate validates mailbox configuration.
func (m *MailboxConfig) Validate() error {
	if m.BaseURL == "" {
		m.BaseURL = "https://api.duckmail.sbs"
	}
	if _, err := url.ParseRequestURI(m.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	m.BaseURL = strings.TrimRight(m.BaseURL, "/")
	if m.Timeout <= 0 {
		m.Timeout = 30 * time.Second
	}
	return nil
}

// Validate validates login configuration.
func (l *LoginConfig) Validate() error {
	if l.WebDriverURL == "" {
		l.WebDriverURL = "http://127.0.0.1:9515"
	}
	l.WebDriverURL = strings.TrimRight(l.WebDriverURL, "/")
	if l.LoginURL == "" {
		l.LoginURL = "https://business.gemini.google/"
	}
	if l.PageTimeout <= 0 {
		l.PageTimeout = 30 * time.Second
	}
	if l.SettleDelay <= 0 {
		l.SettleDelay = 500 * time.Millisecond
	}

	s := &l.Selectors
	if len(s.Email) == 0 {
		s.Email = []string{"#email-input", `input[name="loginHint"]`, `input[type="text"]`}
	}
	if len(s.Continue) == 0 {
		s.Continue = []string{`button[type="submit"]`, "button"}
	}
	if len(s.Code) == 0 {
		s.Code = []string{`input[name="pinInput"]`, `input[type="tel"]`}
	}
	if len(s.CodeSubmit) == 0 {
		s.CodeSubmit = []string{`button[type="submit"]`, "button"}
	}
	if len(s.SkipButtonText) == 0 {
		s.SkipButtonText = []string{"重新", "发送", "Resend"}
	}

	m := &l.Markers
	if len(m.Rejection) == 0 {
		m.Rejection = []string{"signin-error", "请试试其他方法", "Try another way"}
	}
	if len(m.InProgress) == 0 {
		m.InProgress = []string{"正在登录", "Signing in", "Loading"}
	}
	if len(m.Success) == 0 {
		m.Success = []string{"免费试用", "全名", "Trial"}
	}
	if len(m.SuccessURL) == 0 {
		m.SuccessURL = []string{"/cid/"}
	}

	c := &l.Credential
	if c.SessionIndexParam == "" {
		c.SessionIndexParam = "csesidx"
	}
	if c.TenantSegment == "" {
		c.TenantSegment = "cid"
	}
	if c.PrimaryCookie == "" {
		c.PrimaryCookie = "__Secure-C_SES"
	}
	if c.SecondaryCookie == "" {
		c.SecondaryCookie = "__Host-C_OSES"
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	if s.LocalPath == "" {
		s.LocalPath = "accounts.json"
	}
	if s.JournalPath == "" {
		s.JournalPath = "data/refresh.db"
	}
	return s.Remote.Validate()
}

// Validate validates the remote store selection.
func (r *RemoteConfig) Validate() error {
	if r.Key == "" {
		r.Key = "accounts"
	}
	switch r.Driver {
	case DriverNone:
		return nil
	case DriverPostgres, DriverSQLite:
		if r.DSN == "" {
			return fmt.Errorf("dsn is required for driver %s", r.Driver)
		}
	case DriverS3:
		if r.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if r.S3.Key == "" {
			r.S3.Key = "accounts.json"
		}
		if r.S3.Region == "" {
			r.S3.Region = "us-east-1"
		}
	default:
		return fmt.Errorf("unknown remote driver %q", r.Driver)
	}
	return nil
}

// Enabled reports whether a remote store is configured.
func (r *RemoteConfig) Enabled() bool {
	return r.Driver != DriverNone
}

// Validate validates gateway configuration.
func (g *GatewayConfig) Validate() error {
	g.URL = strings.TrimRight(g.URL, "/")
	if g.URL != "" && g.AdminKey == "" {
		return fmt.Errorf("admin_key is required when url is set")
	}
	if g.Timeout <= 0 {
		g.Timeout = 30 * time.Second
	}
	return nil
}

// Enabled reports whether reload notifications are configured.
func (g *GatewayConfig) Enabled() bool {
	return g.URL != ""
}

// Validate validates proxy configuration.
func (p *ProxyConfig) Validate() error {
	if p.Mode == "" {
		p.Mode = ProxyDirect
	}
	if p.URL != "" {
		if _, err := url.Parse(p.URL); err != nil {
			return fmt.Errorf("url: %w", err)
		}
	}
	switch p.Mode {
	case ProxyDirect:
	case ProxyController:
		c := &p.Controller
		if c.URL == "" {
			return fmt.Errorf("controller url is required in controller mode")
		}
		c.URL = strings.TrimRight(c.URL, "/")
		if c.Group == "" {
			c.Group = "GLOBAL"
		}
		if c.TestURL == "" {
			c.TestURL = "https://www.gstatic.com/generate_204"
		}
		if c.Timeout <= 0 {
			c.Timeout = 5 * time.Second
		}
		if c.MaxDelay <= 0 {
			c.MaxDelay = 3 * time.Second
		}
		if len(c.SkipKeywords) == 0 {
			c.SkipKeywords = []string{"剩余", "到期", "官网", "Traffic", "Expire", "DIRECT", "REJECT"}
		}
	default:
		return fmt.Errorf("mode must be one of: direct, controller")
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if t.Enabled && t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.Enabled && t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8318
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if s.Interval <= 0 {
		s.Interval = 30 * time.Minute
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
