// Package idempotency implements the idempotency store: a PENDING ->
// COMPLETED/FAILED state machine keyed by an idempotency key, guarding
// an operation against duplicate execution when a caller retries after
// an ambiguous failure.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	rerr "github.com/twshwa/rarf/infrastructure/errors"
	"github.com/twshwa/rarf/infrastructure/metrics"
	"github.com/twshwa/rarf/infrastructure/state"
)

// Status is the idempotency record's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted/cached outcome for one idempotency key.
type Record struct {
	Key        string          `json:"key"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	LeasedAt   time.Time       `json:"leased_at"`
	LeaseUntil time.Time       `json:"lease_until"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Config configures a Store.
type Config struct {
	Name string `validate:"required"`

	// LeaseDuration bounds how long a Begin'd key stays PENDING before
	// another caller is allowed to re-lease it (treating the original
	// owner as dead).
	LeaseDuration time.Duration `validate:"gt=0"`

	// StripeCount bounds lock contention the same way cache.Config's
	// ShardCount does.
	StripeCount int `validate:"gt=0"`

	// Backend, if set, persists records durably (e.g. infrastructure/
	// state.FileBackend); nil keeps records in memory only, lost on
	// restart.
	Backend state.PersistenceBackend

	// HotCacheSize bounds an in-process LRU of completed/failed records,
	// avoiding a Backend round trip for repeat lookups of a key that
	// already resolved. 0 disables the hot cache.
	HotCacheSize int

	Metrics metrics.Sink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 30 * time.Second,
		StripeCount:   32,
		HotCacheSize:  1024,
	}
}

type stripe struct {
	mu      sync.Mutex
	records map[string]*Record
	waiters map[string][]chan struct{}
}

// Store is the idempotency store.
type Store struct {
	cfg     Config
	stripes []*stripe
	hot     *lru.Cache[string, *Record]
	// persist wraps cfg.Backend (when set) in a state.PersistentState so the
	// lease handoff in tryBegin can go through CompareAndSwap/SaveIfAbsent:
	// a Backend shared by multiple Store processes (e.g. a state.FileBackend
	// mounted on shared storage, or a database-backed PersistenceBackend)
	// needs that compare-and-swap to keep two processes from both winning
	// the same lease, which the in-process stripe mutex alone can't prevent.
	persist *state.PersistentState
}

// New constructs a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.StripeCount <= 0 {
		cfg.StripeCount = 32
	}
	s := &Store{cfg: cfg, stripes: make([]*stripe, cfg.StripeCount)}
	for i := range s.stripes {
		s.stripes[i] = &stripe{records: make(map[string]*Record), waiters: make(map[string][]chan struct{})}
	}
	if cfg.HotCacheSize > 0 {
		c, err := lru.New[string, *Record](cfg.HotCacheSize)
		if err != nil {
			return nil, rerr.FabricInternal("idempotency.New", err)
		}
		s.hot = c
	}
	if cfg.Backend != nil {
		persist, err := state.NewPersistentState(state.Config{
			Backend:   cfg.Backend,
			KeyPrefix: "idempotency:" + cfg.Name + ":",
			MaxSize:   1024 * 1024,
		})
		if err != nil {
			return nil, rerr.FabricInternal("idempotency.New", err)
		}
		s.persist = persist
	}
	return s, nil
}

func (s *Store) stripeFor(key string) *stripe {
	h := fnvHash(key)
	return s.stripes[int(h)%len(s.stripes)]
}

func fnvHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Begin attempts to acquire the lease for key. It returns (record, true,
// nil) if this call won the lease and the caller should proceed with the
// operation and call Complete/Fail when done. It returns (record, false,
// nil) if the key already has a resolved outcome (COMPLETED or FAILED) —
// the caller should use record.Result/record.Error directly without
// re-running the operation. It blocks (honoring ctx) if the key is
// PENDING under another caller's live lease, then re-evaluates once that
// lease is resolved or expires.
func (s *Store) Begin(ctx context.Context, key string) (*Record, bool, error) {
	for {
		rec, won, wait, err := s.tryBegin(key)
		if err != nil {
			return nil, false, err
		}
		if wait == nil {
			s.recordBegin(won, rec)
			return rec, won, nil
		}
		// The lease being waited on expires at most LeaseDuration from
		// now; waking then lets an abandoned lease be re-leased.
		timer := time.NewTimer(s.cfg.LeaseDuration)
		select {
		case <-wait:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, false, rerr.FromContext(ctx, "idempotency.Begin")
		}
		timer.Stop()
	}
}

// tryBegin retries up to this many times when acquireLease loses a
// compare-and-swap race to another process sharing the same backend,
// re-reading the key fresh on each attempt before giving up.
const maxLeaseAcquireAttempts = 5

func (s *Store) tryBegin(key string) (rec *Record, won bool, wait chan struct{}, err error) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	for attempt := 0; attempt < maxLeaseAcquireAttempts; attempt++ {
		existing, err := s.load(st, key)
		if err != nil {
			return nil, false, nil, err
		}

		now := time.Now()
		if existing != nil {
			switch existing.Status {
			case StatusCompleted, StatusFailed:
				return existing, false, nil, nil
			case StatusPending:
				if now.Before(existing.LeaseUntil) {
					ch := make(chan struct{})
					st.waiters[key] = append(st.waiters[key], ch)
					return nil, false, ch, nil
				}
				// Lease expired: fall through and re-lease.
			}
		}

		rec = &Record{
			Key:        key,
			Status:     StatusPending,
			LeasedAt:   now,
			LeaseUntil: now.Add(s.cfg.LeaseDuration),
			UpdatedAt:  now,
		}
		won, err := s.acquireLease(st, key, existing, rec)
		if err != nil {
			return nil, false, nil, err
		}
		if won {
			return rec, true, nil, nil
		}
		// Another process won the CompareAndSwap/SaveIfAbsent race; loop
		// and re-read the now-current record instead of handing the
		// caller a stale "we won" result.
	}
	return nil, false, nil, rerr.FabricInternal("idempotency.tryBegin",
		errors.New("exhausted lease acquisition attempts under contention"))
}

// acquireLease transitions key from existing (nil, or an expired pending
// record) to rec. With a Backend configured this goes through the
// persistent store's SaveIfAbsent/CompareAndSwap so two Store instances
// sharing the same backend can't both win the same lease — the stripe
// mutex alone only serializes callers within this process. With no
// Backend, the stripe mutex is already sufficient and acquireLease always
// wins.
func (s *Store) acquireLease(st *stripe, key string, existing, rec *Record) (bool, error) {
	if s.persist == nil {
		return true, s.save(st, key, rec)
	}

	newRaw, err := json.Marshal(rec)
	if err != nil {
		return false, rerr.FabricInternal("idempotency.acquireLease", err)
	}

	var won bool
	if existing == nil {
		won, err = s.persist.SaveIfAbsent(context.Background(), key, newRaw)
	} else {
		oldRaw, merr := json.Marshal(existing)
		if merr != nil {
			return false, rerr.FabricInternal("idempotency.acquireLease", merr)
		}
		won, err = s.persist.CompareAndSwap(context.Background(), key, oldRaw, newRaw)
	}
	if err != nil {
		return false, rerr.FabricInternal("idempotency.acquireLease", err)
	}

	if won {
		st.records[key] = rec
	} else {
		// Force the next attempt to re-read from the backend instead of
		// reusing this now-stale in-memory entry.
		delete(st.records, key)
	}
	return won, nil
}

// Complete marks key COMPLETED with result, waking any callers blocked in
// Begin on this key.
func (s *Store) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.resolve(key, StatusCompleted, result, "")
}

// Fail marks key FAILED with errMsg, waking any callers blocked in Begin.
func (s *Store) Fail(ctx context.Context, key string, errMsg string) error {
	return s.resolve(key, StatusFailed, nil, errMsg)
}

func (s *Store) resolve(key string, status Status, result json.RawMessage, errMsg string) error {
	st := s.stripeFor(key)
	st.mu.Lock()
	rec := &Record{
		Key:       key,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
	err := s.save(st, key, rec)
	waiters := st.waiters[key]
	delete(st.waiters, key)
	st.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Counter("idempotency_outcomes_total", map[string]string{"store": s.cfg.Name, "outcome": string(status)}, 1)
	}
	return nil
}

// Get returns the current record for key without acquiring a lease, or
// (nil, false, nil) if the key has never been seen.
func (s *Store) Get(ctx context.Context, key string) (*Record, bool, error) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, err := s.load(st, key)
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// AwaitCompletion blocks until key reaches COMPLETED or FAILED, ctx is
// cancelled, or there is no in-flight lease for it at all (returns
// immediately with found=false in that case).
func (s *Store) AwaitCompletion(ctx context.Context, key string) (*Record, bool, error) {
	for {
		st := s.stripeFor(key)
		st.mu.Lock()
		rec, err := s.load(st, key)
		if err != nil {
			st.mu.Unlock()
			return nil, false, err
		}
		if rec == nil {
			st.mu.Unlock()
			return nil, false, nil
		}
		if rec.Status != StatusPending {
			st.mu.Unlock()
			return rec, true, nil
		}
		ch := make(chan struct{})
		st.waiters[key] = append(st.waiters[key], ch)
		st.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, rerr.FromContext(ctx, "idempotency.AwaitCompletion")
		}
	}
}

// load reads a record from the hot cache, falling back to the durable
// backend if configured. Caller must hold st.mu.
func (s *Store) load(st *stripe, key string) (*Record, error) {
	if rec, ok := st.records[key]; ok {
		return rec, nil
	}
	if s.hot != nil {
		if rec, ok := s.hot.Get(key); ok {
			st.records[key] = rec
			return rec, nil
		}
	}
	if s.persist == nil {
		return nil, nil
	}
	raw, err := s.persist.Load(context.Background(), key)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, rerr.FabricInternal("idempotency.load", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, rerr.FabricInternal("idempotency.load", err)
	}
	st.records[key] = &rec
	return &rec, nil
}

// save writes a record to the in-memory stripe, the hot cache (if the
// record resolved), and the durable backend (if configured). Caller
// must hold st.mu.
func (s *Store) save(st *stripe, key string, rec *Record) error {
	st.records[key] = rec
	if s.hot != nil && rec.Status != StatusPending {
		s.hot.Add(key, rec)
	}
	if s.persist == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rerr.FabricInternal("idempotency.save", err)
	}
	if err := s.persist.Save(context.Background(), key, raw); err != nil {
		return rerr.FabricInternal("idempotency.save", err)
	}
	return nil
}

func (s *Store) recordBegin(won bool, rec *Record) {
	if s.cfg.Metrics == nil {
		return
	}
	outcome := "leased"
	if !won {
		if rec != nil {
			outcome = string(rec.Status)
		} else {
			outcome = "conflict"
		}
	}
	s.cfg.Metrics.Counter("idempotency_begins_total", map[string]string{"store": s.cfg.Name, "outcome": outcome}, 1)
	if !won {
		s.cfg.Metrics.Counter("idempotency_conflicts_total", map[string]string{"store": s.cfg.Name, "state": outcome}, 1)
	}
}

// Sweep removes resolved records older than olderThan from the in-memory
// stripes (and hot cache), bounding unbounded growth for a store with no
// durable Backend. Records in the Backend, if any, are left untouched:
// callers owning a FileBackend should use its own Compact.
func (s *Store) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, st := range s.stripes {
		st.mu.Lock()
		for k, rec := range st.records {
			if rec.Status != StatusPending && rec.UpdatedAt.Before(cutoff) {
				delete(st.records, k)
				if s.hot != nil {
					s.hot.Remove(k)
				}
				removed++
			}
		}
		st.mu.Unlock()
	}
	return removed
}
