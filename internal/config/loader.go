package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

// DefaultPath is used when no config path is given.
const DefaultPath = "config.yaml"

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	envFile  string
	mu       sync.RWMutex
	config   *Config
	onChange func(*Config)
	logger   *logging.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{
		path:    path,
		envFile: ".env",
		logger:  logging.Nop(),
	}
}

// SetEnvFile overrides the dotenv file read before each load. Empty disables it.
func (l *Loader) SetEnvFile(path string) {
	l.mu.Lock()
	l.envFile = path
	l.mu.Unlock()
}

// SetLogger sets the logger used by Watch.
func (l *Loader) SetLogger(logger *logging.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration from the file. A missing file yields the
// defaults, still subject to environment overrides.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.envFile != "" {
		// Existing process variables win over the dotenv file.
		if err := godotenv.Load(l.envFile); err != nil && !os.IsNotExist(err) {
			return nil, &errors.ErrFileRead{Path: l.envFile, Err: err}
		}
	}

	var content []byte
	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		content = substituteEnvVars(data)
	case os.IsNotExist(err):
	default:
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	config, err := decode(content)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	l.config = config
	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Watch reloads the configuration whenever the file changes and blocks until
// ctx is done. The parent directory is watched so editors that replace the
// file by rename are picked up. A failed reload keeps the previous config.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if _, err := l.Reload(); err != nil {
				l.log().Warn("config reload failed", "path", l.path, "error", err)
				continue
			}
			l.log().Info("config reloaded", "path", l.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log().Warn("config watcher error", "error", err)
		}
	}
}

func (l *Loader) log() *logging.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

// LoadFromEnv loads configuration using path from environment variable or default
func LoadFromEnv() (*Config, error) {
	return NewLoader(os.Getenv("COOKIE_REFRESH_CONFIG")).Load()
}

// Parse parses configuration from byte slice and applies defaults.
func Parse(data []byte) (*Config, error) {
	config, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}
	return config, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	config, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return config
}

func decode(data []byte) (*Config, error) {
	var config Config
	config.Login.Headless = true
	config.Metrics.Enabled = true
	config.Log.Redact = true
	// Zero is a meaningful value for these, so defaults go in before decoding.
	config.Refresh.GraceWindow = 30 * time.Second
	config.Refresh.CookieExpiryOffset = 12 * time.Hour

	if len(strings.TrimSpace(string(data))) == 0 {
		return &config, nil
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}
	return &config, nil
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}

// applyEnvOverrides maps the deployment environment variables onto config.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.Remote.DSN = v
		if c.Storage.Remote.Driver == DriverNone {
			c.Storage.Remote.Driver = DriverPostgres
		}
	}
	if v := firstEnv("GATEWAY_URL", "HF_SPACE_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.Gateway.AdminKey = v
	}
	if v := os.Getenv("PROXY_URL"); v != "" {
		c.Proxy.URL = v
	}
	if v := os.Getenv("WEBDRIVER_URL"); v != "" {
		c.Login.WebDriverURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
