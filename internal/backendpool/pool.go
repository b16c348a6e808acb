// Package backendpool implements the scraper backend pool (C4): one bounded
// pool per backend kind, lazily growing up to a configured max, handing out
// instances behind the ScraperContract capability set.
package backendpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nullvector/scrapectl/internal/backend"
	"github.com/nullvector/scrapectl/internal/types"
)

const defaultEagerInstances = 2

// Pool is a bounded pool of interchangeable ScraperContract instances for a
// single backend kind. One lock guards the FIFO and the in-use set; no task
// ever holds more than one pool instance at a time.
type Pool struct {
	kind        string
	constructor backend.Constructor
	maxInstances int

	mu        sync.Mutex
	available []backend.ScraperContract
	inUse     map[backend.ScraperContract]struct{}
	created   int

	// sem bounds concurrent callers: acquired before touching available/
	// inUse, released on Release. Pending acquire beyond capacity wait here.
	sem *semaphore.Weighted

	logger *slog.Logger
}

// New constructs a Pool for kind with maxInstances capacity, eagerly
// creating min(2, maxInstances) instances.
func New(kind string, maxInstances int, constructor backend.Constructor, logger *slog.Logger) (*Pool, error) {
	if maxInstances < 1 {
		maxInstances = 1
	}

	p := &Pool{
		kind:         kind,
		constructor:  constructor,
		maxInstances: maxInstances,
		inUse:        make(map[backend.ScraperContract]struct{}, maxInstances),
		sem:          semaphore.NewWeighted(int64(maxInstances)),
		logger:       logger.With("component", "backend_pool", "kind", kind),
	}

	eager := defaultEagerInstances
	if eager > maxInstances {
		eager = maxInstances
	}
	for i := 0; i < eager; i++ {
		inst, err := constructor()
		if err != nil {
			return nil, fmt.Errorf("eager-create %s instance: %w", kind, err)
		}
		p.available = append(p.available, inst)
		p.created++
	}

	return p, nil
}

// Kind returns the backend kind this pool serves.
func (p *Pool) Kind() string { return p.kind }

// Acquire returns an instance or fails with PoolExhaustedError after
// timeout. Lazily creates a new instance if none are idle and the pool
// hasn't reached maxInstances; otherwise blocks (bounded by timeout) for a
// release.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (backend.ScraperContract, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, &types.PoolExhaustedError{Kind: p.kind}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var inst backend.ScraperContract
	if len(p.available) > 0 {
		inst = p.available[0]
		p.available = p.available[1:]
	} else if p.created < p.maxInstances {
		var err error
		inst, err = p.constructor()
		if err != nil {
			p.sem.Release(1)
			return nil, fmt.Errorf("create %s instance: %w", p.kind, err)
		}
		p.created++
	} else {
		// sem guaranteed availability; this path should be unreachable,
		// but guard against a created/available bookkeeping drift.
		p.sem.Release(1)
		return nil, &types.PoolExhaustedError{Kind: p.kind}
	}

	p.inUse[inst] = struct{}{}
	return inst, nil
}

// Release returns inst to the FIFO, invoking its optional Reset hook first.
func (p *Pool) Release(inst backend.ScraperContract) {
	if r, ok := inst.(backend.Resettable); ok {
		if err := r.Reset(); err != nil {
			p.logger.Warn("reset hook failed", "error", err)
		}
	}

	p.mu.Lock()
	delete(p.inUse, inst)
	p.available = append(p.available, inst)
	p.mu.Unlock()

	p.sem.Release(1)
}

// Stats describes a pool's current utilization for observability.
type Stats struct {
	Kind      string
	Created   int
	Available int
	InUse     int
	Max       int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Kind:      p.kind,
		Created:   p.created,
		Available: len(p.available),
		InUse:     len(p.inUse),
		Max:       p.maxInstances,
	}
}

// Close releases every instance currently idle in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, inst := range p.available {
		if c, ok := inst.(backend.Closeable); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.available = nil
	return firstErr
}

// Registry owns one Pool per backend kind, constructed explicitly by the
// orchestrator rather than held in a process-global.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry constructs an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Add registers a pool for kind. Returns an error if kind is already
// registered.
func (r *Registry) Add(pool *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[pool.Kind()]; exists {
		return fmt.Errorf("pool for kind %q already registered", pool.Kind())
	}
	r.pools[pool.Kind()] = pool
	return nil
}

// Get returns the pool for kind, if registered.
func (r *Registry) Get(kind string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[kind]
	return p, ok
}

// AllStats returns a Stats snapshot for every registered pool.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Stats())
	}
	return out
}

// CloseAll closes every registered pool.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		_ = p.Close()
	}
}
