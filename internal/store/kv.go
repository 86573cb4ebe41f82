package store

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// sqlKV keeps the population as one JSON document in kv_store.
type sqlKV struct {
	db       *sql.DB
	name     string
	key      string
	getQuery string
	putQuery string
}

func (s *sqlKV) Name() string { return s.name }

func (s *sqlKV) Get(ctx context.Context) (models.Population, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.getQuery, s.key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return models.Population{}, false, nil
	}
	if err != nil {
		return nil, false, &errors.RemoteStoreError{Backend: s.name, Operation: "get", Err: err}
	}
	pop, err := DecodePopulation([]byte(value))
	if err != nil {
		return nil, true, &errors.RemoteStoreError{Backend: s.name, Operation: "decode", Err: err}
	}
	return pop, true, nil
}

func (s *sqlKV) Put(ctx context.Context, pop models.Population) error {
	data, err := EncodePopulation(pop)
	if err != nil {
		return &errors.RemoteStoreError{Backend: s.name, Operation: "encode", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, s.putQuery, s.key, string(data)); err != nil {
		return &errors.RemoteStoreError{Backend: s.name, Operation: "put", Err: err}
	}
	return nil
}

func (s *sqlKV) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
