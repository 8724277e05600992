package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Registry holds the active model of every model key. Readers get an immutable
// snapshot through an atomic pointer; activations for one key are serialized.
type Registry struct {
	store      ModelStore
	scope      Scope
	opts       Options
	mu         sync.Mutex
	slots      map[string]*slot
	loads      singleflight.Group
	generation atomic.Uint64
}

type slot struct {
	active  atomic.Pointer[Model]
	refitMu sync.Mutex
}

func NewRegistry(store ModelStore, scope Scope, opts Options) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if scope == "" {
		scope = ScopeTenant
	}
	return &Registry{store: store, scope: scope, opts: opts, slots: make(map[string]*slot)}
}

// Key maps a tenant to the key of the model it uses.
func (r *Registry) Key(tenant string) string {
	if r.scope == ScopeGlobal {
		return knowledge.GlobalModelKey
	}
	return tenant
}

func (r *Registry) Options() Options {
	return r.opts
}

// Generation increases on every activation.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

func (r *Registry) slot(key string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	return s
}

// Active returns the snapshot in use for tenant, loading it from the store on
// first access. It returns knowledge.ErrModelNotFound when none was ever activated.
func (r *Registry) Active(ctx context.Context, tenant string) (*Model, error) {
	key := r.Key(tenant)
	s := r.slot(key)
	if m := s.active.Load(); m != nil {
		return m, nil
	}
	v, err, _ := r.loads.Do(key, func() (any, error) {
		if m := s.active.Load(); m != nil {
			return m, nil
		}
		m, err := r.store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		s.active.CompareAndSwap(nil, m)
		return s.active.Load(), nil
	})
	if err != nil {
		if errors.Is(err, knowledge.ErrModelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("vectorizer: load model %s: %w", key, err)
	}
	return v.(*Model), nil
}

// Activate persists m as the next version for tenant and swaps it in.
func (r *Registry) Activate(ctx context.Context, tenant string, m *Model) (*Model, error) {
	key := r.Key(tenant)
	s := r.slot(key)
	s.refitMu.Lock()
	defer s.refitMu.Unlock()
	return r.activateLocked(ctx, key, s, m)
}

func (r *Registry) activateLocked(ctx context.Context, key string, s *slot, m *Model) (*Model, error) {
	var prev int64
	if cur := s.active.Load(); cur != nil {
		prev = cur.Version
	} else if stored, err := r.store.Load(ctx, key); err == nil {
		prev = stored.Version
	} else if !errors.Is(err, knowledge.ErrModelNotFound) {
		return nil, fmt.Errorf("vectorizer: read current model %s: %w", key, err)
	}
	next := m.WithVersion(key, prev+1)
	if err := r.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("vectorizer: persist model %s: %w", key, err)
	}
	s.active.Store(next)
	r.generation.Add(1)
	logger.FromContext(ctx).Info(
		"Vectorizer model activated",
		"model_key", key,
		"version", next.Version,
		"dimension", next.Dimension,
		"corpus_size", next.CorpusSize,
	)
	return next, nil
}

// Refit fits a model on corpus and activates it. Readers keep their snapshot
// until the new model is fully built and persisted.
func (r *Registry) Refit(ctx context.Context, tenant string, corpus []string) (*Model, error) {
	key := r.Key(tenant)
	s := r.slot(key)
	s.refitMu.Lock()
	defer s.refitMu.Unlock()
	start := time.Now()
	m, err := Fit(corpus, r.opts)
	if err != nil {
		return nil, err
	}
	next, err := r.activateLocked(ctx, key, s, m)
	if err != nil {
		return nil, err
	}
	knowledge.RecordRefitDuration(ctx, key, time.Since(start))
	return next, nil
}

// Bootstrap fits and activates a first model unless one already exists.
func (r *Registry) Bootstrap(ctx context.Context, tenant string, corpus []string) (*Model, error) {
	if m, err := r.Active(ctx, tenant); err == nil {
		return m, nil
	} else if !errors.Is(err, knowledge.ErrModelNotFound) {
		return nil, err
	}
	key := r.Key(tenant)
	s := r.slot(key)
	s.refitMu.Lock()
	defer s.refitMu.Unlock()
	if m := s.active.Load(); m != nil {
		return m, nil
	}
	if stored, err := r.store.Load(ctx, key); err == nil {
		s.active.Store(stored)
		return stored, nil
	}
	m, err := Fit(corpus, r.opts)
	if err != nil {
		return nil, err
	}
	return r.activateLocked(ctx, key, s, m)
}
