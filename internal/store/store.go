// Package store persists the account population locally and in a remote
// key-value backend, and journals refresh attempts.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// DefaultKey is the row or object name the population lives under.
const DefaultKey = "accounts"

// RemoteStore is a single-value remote backend holding the whole population.
type RemoteStore interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Get returns the stored population. found is false when nothing was stored yet.
	Get(ctx context.Context) (pop models.Population, found bool, err error)
	// Put replaces the stored population.
	Put(ctx context.Context, pop models.Population) error
	Close() error
}

// NewRemote opens the remote backend selected by cfg. It returns nil when no
// driver is configured.
func NewRemote(ctx context.Context, cfg config.RemoteConfig) (RemoteStore, error) {
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, key)
	case config.DriverSQLite:
		return NewSQLiteStore(ctx, cfg.DSN, key)
	case config.DriverS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

// EncodePopulation renders pop as an indented JSON array without HTML
// escaping. Non-ASCII text is written as is.
func EncodePopulation(pop models.Population) ([]byte, error) {
	if pop == nil {
		pop = models.Population{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pop); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePopulation parses a JSON array of accounts. Empty input is an empty
// population.
func DecodePopulation(data []byte) (models.Population, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return models.Population{}, nil
	}
	var pop models.Population
	if err := json.Unmarshal(data, &pop); err != nil {
		return nil, err
	}
	if pop == nil {
		pop = models.Population{}
	}
	return pop, nil
}
