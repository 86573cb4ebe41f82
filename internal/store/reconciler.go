package store

import (
	"context"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// Reloader tells the serving gateway to pick up a new population.
type Reloader interface {
	Reload(ctx context.Context, pop models.Population) error
}

// WriteObserver is told the result of every store write. target is one of
// "local", "remote" or "gateway"; status is "ok" or "error".
type WriteObserver func(target, status string)

// SaveResult reports which targets a save reached.
type SaveResult struct {
	Saved      bool
	Pushed     bool
	Divergent  bool
	Reloaded   bool
	RemoteErr  error
	GatewayErr error
}

// Reconciler keeps the local file, the remote store and the gateway in
// step. The local file is always written first and is authoritative when
// the remote is unreachable.
type Reconciler struct {
	local   *LocalFile
	remote  RemoteStore
	gateway Reloader
	push    bool
	loc     *time.Location
	logger  *logging.Logger
	observe WriteObserver
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRemote sets the remote store. A nil store disables it.
func WithRemote(remote RemoteStore) ReconcilerOption {
	return func(r *Reconciler) { r.remote = remote }
}

// WithGateway sets the gateway reloader.
func WithGateway(gw Reloader) ReconcilerOption {
	return func(r *Reconciler) { r.gateway = gw }
}

// WithPush makes Save propagate to the remote store and the gateway.
func WithPush(push bool) ReconcilerOption {
	return func(r *Reconciler) { r.push = push }
}

// WithLocation sets the zone stored expiries are read in. The default is UTC.
func WithLocation(loc *time.Location) ReconcilerOption {
	return func(r *Reconciler) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWriteObserver registers a write result callback.
func WithWriteObserver(fn WriteObserver) ReconcilerOption {
	return func(r *Reconciler) { r.observe = fn }
}

// NewReconciler creates a reconciler around the local file.
func NewReconciler(local *LocalFile, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{local: local, loc: time.UTC, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Remote returns the configured remote store or nil.
func (r *Reconciler) Remote() RemoteStore {
	return r.remote
}

// Load returns the current population. The remote store decides which
// accounts exist, but a local record replaces its remote copy when it expires
// strictly later, so a run saved without pushing is never rolled back. An
// empty remote is seeded once from a non-empty local file. Remote errors fall
// back to the local file. Duplicate identities in the population returned are
// an error.
func (r *Reconciler) Load(ctx context.Context) (models.Population, error) {
	if r.remote == nil {
		return r.loadLocal(ctx)
	}

	remote, found, err := r.remote.Get(ctx)
	if err != nil {
		r.logger.WarnWithContext(ctx, "remote store unavailable, using local file",
			"backend", r.remote.Name(), "error", err)
		return r.loadLocal(ctx)
	}

	local, localErr := r.loadLocal(ctx)
	if !found || len(remote) == 0 {
		if localErr != nil {
			return nil, localErr
		}
		if len(local) > 0 {
			if err := r.remote.Put(ctx, local); err != nil {
				r.note("remote", err)
				r.logger.WarnWithContext(ctx, "seeding remote store failed",
					"backend", r.remote.Name(), "error", err)
			} else {
				r.note("remote", nil)
				r.logger.InfoWithContext(ctx, "remote store seeded from local file",
					"backend", r.remote.Name(), "accounts", len(local))
			}
		}
		return local, nil
	}

	if err := remote.Validate(); err != nil {
		return nil, &errors.InvalidPopulationError{Source: r.remote.Name(), Err: err}
	}
	if localErr != nil {
		r.logger.WarnWithContext(ctx, "local file unusable, using remote store only",
			"path", r.local.Path(), "error", localErr)
		local = nil
	}
	pop := r.overlayNewer(ctx, remote, local)
	r.logger.DebugWithContext(ctx, "population loaded", "source", r.remote.Name(), "accounts", len(pop))
	return pop, nil
}

// overlayNewer replaces remote records with local ones that pass
// Population.Upsert. Local identities unknown to the remote are ignored.
func (r *Reconciler) overlayNewer(ctx context.Context, remote, local models.Population) models.Population {
	merged := remote.Clone()
	newer := 0
	for _, acc := range local {
		if merged.Index(acc.ID) < 0 {
			r.logger.DebugWithContext(ctx, "local account missing from remote store, ignored", "account_id", acc.ID)
			continue
		}
		if err := merged.Upsert(acc, r.loc); err == nil {
			newer++
		}
	}
	if newer > 0 {
		r.logger.WarnWithContext(ctx, "local file is newer than remote store",
			"backend", r.remote.Name(), "accounts", newer)
	}
	return merged
}

func (r *Reconciler) loadLocal(ctx context.Context) (models.Population, error) {
	pop, found, err := r.local.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.DebugWithContext(ctx, "local file not found", "path", r.local.Path())
	}
	if err := pop.Validate(); err != nil {
		return nil, &errors.InvalidPopulationError{Source: r.local.Path(), Err: err}
	}
	return pop, nil
}

// Save writes pop to the local file and, when pushing, to the remote store
// and the gateway. Only a local failure is returned as an error; a remote
// failure is reported as divergence.
func (r *Reconciler) Save(ctx context.Context, pop models.Population) (*SaveResult, error) {
	result := &SaveResult{}
	if err := r.local.Save(pop); err != nil {
		r.note("local", err)
		return result, err
	}
	r.note("local", nil)
	result.Saved = true
	r.logger.InfoWithContext(ctx, "population saved", "path", r.local.Path(), "accounts", len(pop))

	if r.push {
		r.propagate(ctx, pop, result)
	}
	return result, nil
}

// Sync pushes the local file to the remote store and the gateway without
// refreshing anything.
func (r *Reconciler) Sync(ctx context.Context) (*SaveResult, error) {
	pop, err := r.loadLocal(ctx)
	if err != nil {
		return nil, err
	}
	result := &SaveResult{}
	if len(pop) == 0 {
		r.logger.WarnWithContext(ctx, "nothing to sync", "path", r.local.Path())
		return result, nil
	}
	r.propagate(ctx, pop, result)
	return result, nil
}

func (r *Reconciler) propagate(ctx context.Context, pop models.Population, result *SaveResult) {
	if r.remote != nil {
		if err := r.remote.Put(ctx, pop); err != nil {
			r.note("remote", err)
			result.Divergent = true
			result.RemoteErr = err
			r.logger.WarnWithContext(ctx, "remote store write failed, local and remote diverge",
				"backend", r.remote.Name(), "error", err)
		} else {
			r.note("remote", nil)
			result.Pushed = true
			r.logger.InfoWithContext(ctx, "population pushed", "backend", r.remote.Name(), "accounts", len(pop))
		}
	}

	if r.gateway != nil {
		if err := r.gateway.Reload(ctx, pop); err != nil {
			r.note("gateway", err)
			result.GatewayErr = err
			r.logger.WarnWithContext(ctx, "gateway reload failed", "error", err)
		} else {
			r.note("gateway", nil)
			result.Reloaded = true
			r.logger.InfoWithContext(ctx, "gateway reloaded", "accounts", len(pop))
		}
	}
}

func (r *Reconciler) note(target string, err error) {
	if r.observe == nil {
		return
	}
	if err != nil {
		r.observe(target, "error")
		return
	}
	r.observe(target, "ok")
}
