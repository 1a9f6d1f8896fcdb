// Package pool implements a generic, adaptive async resource pool: bounded
// acquire/release over a pluggable resource adapter, a deadline-aware wait
// queue, leak detection with forced reclaim, shrinking of idle resources
// down to MinSize (the pool does not grow ahead of demand), and
// circuit-breaker-gated fail-fast when the backing resource is unhealthy.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	rerr "github.com/twshwa/rarf/infrastructure/errors"
	"github.com/twshwa/rarf/infrastructure/logging"
	"github.com/twshwa/rarf/infrastructure/metrics"
	"github.com/twshwa/rarf/infrastructure/resilience"
)

// Adapter is the capability set a Pool[T] needs from the resource it
// manages.
type Adapter[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, res T) error
	Destroy(ctx context.Context, res T) error
}

// IdlePinger is implemented by adapters that can cheaply verify a resource
// is still alive while it sits idle in the pool. Pool itself never calls
// IdlePing; idle resources are checked only by Validate when they are
// next acquired.
type IdlePinger[T any] interface {
	IdlePing(ctx context.Context, res T) error
}

// Config configures a Pool[T].
type Config struct {
	Name string `validate:"required"`

	MinSize int `validate:"gte=0"`
	MaxSize int `validate:"gt=0,gtefield=MinSize"`

	// AcquireTimeout bounds how long Acquire waits when no caller-supplied
	// context deadline is tighter.
	AcquireTimeout time.Duration `validate:"gt=0"`
	// MaxWaitQueue bounds the number of callers blocked in Acquire; beyond
	// it, Acquire fails fast with a pool-exhausted error.
	MaxWaitQueue int `validate:"gte=0"`

	// IdleTimeout: a resource unused for longer than this is eligible to
	// be shrunk away, down to MinSize.
	IdleTimeout time.Duration
	// LeaseTimeout: a resource held by a caller longer than this is
	// considered leaked and force-reclaimed.
	LeaseTimeout time.Duration
	// ReapInterval controls how often the background reaper scans for
	// idle and leaked resources. Zero disables the background reaper.
	ReapInterval time.Duration

	Breaker *resilience.Config

	Metrics metrics.Sink
	Logger  *logging.Logger
}

// DefaultConfig returns sensible defaults for a small, latency-sensitive pool.
func DefaultConfig() Config {
	return Config{
		MinSize:        1,
		MaxSize:        10,
		AcquireTimeout: 5 * time.Second,
		MaxWaitQueue:   100,
		IdleTimeout:    5 * time.Minute,
		LeaseTimeout:   2 * time.Minute,
		ReapInterval:   30 * time.Second,
	}
}

type resourceState int

const (
	stateIdle resourceState = iota
	stateLeased
)

// entry is one pooled resource and its bookkeeping.
type entry[T any] struct {
	id        string
	res       T
	state     resourceState
	leasedAt  time.Time
	idleSince time.Time
}

// Lease is the handle Acquire hands back; it must be passed to Release (or
// Discard, if the caller knows the resource is broken) exactly once.
type Lease[T any] struct {
	id  string
	Res T
}

// Stats reports a point-in-time snapshot of pool occupancy.
type Stats struct {
	Idle        int
	Leased      int
	WaitQueue   int
	Created     int64
	Destroyed   int64
	Leaked      int64
	BreakerOpen bool
}

// Pool is a generic async resource pool over T.
type Pool[T any] struct {
	cfg     Config
	adapter Adapter[T]
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	entries  map[string]*entry[T]
	idle     []string // ids, LIFO-stacked for cache warmth
	creating int      // reserved slots for in-flight Create calls, counted against MaxSize

	waiters *waitQueue

	closed bool

	created   int64
	destroyed int64
	leaked    int64

	stopReap chan struct{}
	reapWG   sync.WaitGroup
}

// New constructs a Pool[T] from cfg and adapter, filling in defaults, and
// starts the background reaper if ReapInterval > 0.
func New[T any](cfg Config, adapter Adapter[T]) *Pool[T] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.MaxWaitQueue <= 0 {
		cfg.MaxWaitQueue = 100
	}

	var cb *resilience.CircuitBreaker
	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		if bc.Name == "" {
			bc.Name = cfg.Name
		}
		bc.Metrics = cfg.Metrics
		cb = resilience.New(bc)
	}

	p := &Pool[T]{
		cfg:     cfg,
		adapter: adapter,
		breaker: cb,
		entries: make(map[string]*entry[T]),
		waiters: newWaitQueue(cfg.MaxWaitQueue),
	}
	if cfg.ReapInterval > 0 {
		p.stopReap = make(chan struct{})
		p.reapWG.Add(1)
		go p.reapLoop()
	}
	return p
}

// Acquire returns a leased resource, creating one if below MaxSize,
// otherwise waiting in the bounded queue until one frees up, ctx is
// cancelled, or AcquireTimeout elapses, whichever is sooner. The returned
// Lease must be passed to Release or Discard exactly once.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	acctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	lease, err := p.acquire(acctx)
	p.recordAcquire(err, time.Since(start))
	return lease, err
}

func (p *Pool[T]) acquire(ctx context.Context) (*Lease[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rerr.PoolClosed(p.cfg.Name)
	}

	if id, ok := p.popIdle(); ok {
		e := p.entries[id]
		e.state = stateLeased
		e.leasedAt = time.Now()
		p.mu.Unlock()
		if err := p.validate(ctx, id); err != nil {
			return nil, err
		}
		p.mu.Lock()
		e = p.entries[id]
		p.mu.Unlock()
		return &Lease[T]{id: id, Res: e.res}, nil
	}

	if len(p.entries)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()
		return p.createAndLease(ctx)
	}

	ticket, ok := p.waiters.enqueue()
	p.setWaitQueueGauge(p.waiters.len())
	p.mu.Unlock()
	if !ok {
		return nil, rerr.PoolExhausted(p.cfg.Name)
	}

	select {
	case <-ticket.ready:
		p.mu.Lock()
		id, ok := p.popIdle()
		p.setWaitQueueGauge(p.waiters.len())
		if !ok {
			if len(p.entries)+p.creating < p.cfg.MaxSize {
				p.creating++
				p.mu.Unlock()
				return p.createAndLease(ctx)
			}
			p.mu.Unlock()
			return nil, rerr.PoolTimeout(p.cfg.Name)
		}
		e := p.entries[id]
		e.state = stateLeased
		e.leasedAt = time.Now()
		p.mu.Unlock()
		if err := p.validate(ctx, id); err != nil {
			return nil, err
		}
		p.mu.Lock()
		e = p.entries[id]
		p.mu.Unlock()
		return &Lease[T]{id: id, Res: e.res}, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.remove(ticket)
		p.setWaitQueueGauge(p.waiters.len())
		p.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rerr.PoolTimeout(p.cfg.Name)
		}
		return nil, rerr.FromContext(ctx, "pool.Acquire")
	}
}

// validate runs the adapter's Validate hook on a freshly dequeued
// resource, destroying and removing it on failure rather than handing a
// broken resource to the caller; the caller must retry Acquire itself.
func (p *Pool[T]) validate(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return rerr.PoolUnavailable(p.cfg.Name, nil)
	}
	if err := p.adapter.Validate(ctx, e.res); err != nil {
		p.mu.Lock()
		delete(p.entries, id)
		p.destroyed++
		p.mu.Unlock()
		_ = p.adapter.Destroy(ctx, e.res)
		return rerr.ResourceValidationFailed(p.cfg.Name, err)
	}
	return nil
}

// createAndLease creates a new resource and inserts it into entries. The
// caller must have already reserved a slot by incrementing p.creating while
// holding p.mu; createAndLease releases that reservation on every return
// path so the reservation never outlives the Create call it guards.
func (p *Pool[T]) createAndLease(ctx context.Context) (*Lease[T], error) {
	var res T
	var createErr error
	do := func() error {
		r, err := p.adapter.Create(ctx)
		res, createErr = r, err
		return err
	}

	if p.breaker != nil {
		err := p.breaker.Execute(ctx, do)
		if err != nil {
			p.mu.Lock()
			p.creating--
			p.mu.Unlock()
			if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
				return nil, rerr.PoolUnavailable(p.cfg.Name, err)
			}
			return nil, rerr.ResourceCreationFailed(p.cfg.Name, createErr)
		}
	} else if err := do(); err != nil {
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
		return nil, rerr.ResourceCreationFailed(p.cfg.Name, err)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.creating--
	p.entries[id] = &entry[T]{id: id, res: res, state: stateLeased, leasedAt: time.Now()}
	p.created++
	p.mu.Unlock()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter("pool_resources_created_total", map[string]string{"pool": p.cfg.Name}, 1)
	}
	return &Lease[T]{id: id, Res: res}, nil
}

// popIdle pops the most-recently-released idle resource id. Caller must
// hold p.mu.
func (p *Pool[T]) popIdle() (string, bool) {
	for len(p.idle) > 0 {
		id := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if e, ok := p.entries[id]; ok && e.state == stateIdle {
			return id, true
		}
	}
	return "", false
}

// Release returns the leased resource to the pool, waking one waiter if
// any are queued.
func (p *Pool[T]) Release(lease *Lease[T]) error {
	p.mu.Lock()
	e, ok := p.entries[lease.id]
	if !ok {
		p.mu.Unlock()
		return nil // resource was already discarded/reclaimed
	}
	e.state = stateIdle
	e.idleSince = time.Now()
	p.idle = append(p.idle, lease.id)
	p.waiters.wakeOne()
	n := p.waiters.len()
	p.mu.Unlock()
	p.setWaitQueueGauge(n)
	return nil
}

// Discard removes the leased resource from the pool entirely and destroys
// it, for callers that know the resource is broken and shouldn't be
// recycled. It also wakes one waiter so pool capacity isn't starved.
func (p *Pool[T]) Discard(ctx context.Context, lease *Lease[T]) error {
	p.mu.Lock()
	e, ok := p.entries[lease.id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, lease.id)
	p.destroyed++
	p.waiters.wakeOne()
	n := p.waiters.len()
	p.mu.Unlock()
	p.setWaitQueueGauge(n)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter("pool_destroyed_total", map[string]string{"pool": p.cfg.Name}, 1)
	}
	return p.adapter.Destroy(ctx, e.res)
}

// Stats returns a point-in-time snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idleCount := 0
	leasedCount := 0
	for _, e := range p.entries {
		if e.state == stateIdle {
			idleCount++
		} else {
			leasedCount++
		}
	}
	breakerOpen := p.breaker != nil && p.breaker.State() == resilience.StateOpen
	return Stats{
		Idle:        idleCount,
		Leased:      leasedCount,
		WaitQueue:   p.waiters.len(),
		Created:     p.created,
		Destroyed:   p.destroyed,
		Leaked:      p.leaked,
		BreakerOpen: breakerOpen,
	}
}

// Close destroys every resource (idle and leased) and stops the reaper.
// Close is idempotent.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry[T], 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry[T])
	p.idle = nil
	p.waiters.closeAll()
	p.mu.Unlock()

	if p.stopReap != nil {
		close(p.stopReap)
		p.reapWG.Wait()
	}

	for _, e := range entries {
		_ = p.adapter.Destroy(ctx, e.res)
		p.mu.Lock()
		p.destroyed++
		p.mu.Unlock()
	}
	return nil
}

// reapLoop periodically reclaims leaked leases (held past LeaseTimeout)
// and shrinks idle resources past IdleTimeout down to MinSize.
func (p *Pool[T]) reapLoop() {
	defer p.reapWG.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool[T]) reapOnce() {
	now := time.Now()
	var toDestroy []*entry[T]
	leakedCount := 0

	p.mu.Lock()
	if p.cfg.LeaseTimeout > 0 {
		for id, e := range p.entries {
			if e.state == stateLeased && now.Sub(e.leasedAt) > p.cfg.LeaseTimeout {
				delete(p.entries, id)
				p.leaked++
				p.destroyed++
				leakedCount++
				toDestroy = append(toDestroy, e)
			}
		}
	}
	if p.cfg.IdleTimeout > 0 {
		kept := p.idle[:0]
		for _, id := range p.idle {
			e, ok := p.entries[id]
			if !ok || e.state != stateIdle {
				continue
			}
			if len(p.entries) > p.cfg.MinSize && now.Sub(e.idleSince) > p.cfg.IdleTimeout {
				delete(p.entries, id)
				p.destroyed++
				toDestroy = append(toDestroy, e)
				continue
			}
			kept = append(kept, id)
		}
		p.idle = kept
	}
	p.mu.Unlock()

	if leakedCount > 0 && p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter("pool_leaks_total", map[string]string{"pool": p.cfg.Name}, float64(leakedCount))
	}
	for _, e := range toDestroy {
		_ = p.adapter.Destroy(context.Background(), e.res)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.Counter("pool_destroyed_total", map[string]string{"pool": p.cfg.Name}, 1)
		}
	}
}

func (p *Pool[T]) recordAcquire(err error, d time.Duration) {
	if p.cfg.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.cfg.Metrics.Counter("pool_acquire_total", map[string]string{"pool": p.cfg.Name, "outcome": outcome}, 1)
	p.cfg.Metrics.Observe("pool_acquire_duration_seconds", map[string]string{"pool": p.cfg.Name}, d.Seconds())
}

func (p *Pool[T]) setWaitQueueGauge(n int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Gauge("pool_wait_queue_depth", map[string]string{"pool": p.cfg.Name}, float64(n))
	}
}
