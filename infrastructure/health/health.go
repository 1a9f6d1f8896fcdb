// Package health implements the health and recovery coordinator:
// per-checker scheduling, OK/DEGRADED/FAILING/UNKNOWN escalation, and
// rate-limited automatic recovery actions driven off that escalation.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/twshwa/rarf/infrastructure/logging"
	"github.com/twshwa/rarf/infrastructure/metrics"
	"github.com/twshwa/rarf/infrastructure/ratelimit"
	"github.com/twshwa/rarf/infrastructure/resilience"
)

// State is a checker's escalation state.
type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
	StateFailing  State = "failing"
	StateUnknown  State = "unknown"
)

// Checker is one monitored dependency or subsystem. Check should be
// fast and side-effect free; it reports the current health, it does not
// repair anything itself — repair is RecoveryAction's job.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// RecoveryKind is the tagged-union discriminator for RecoveryAction.
type RecoveryKind string

const (
	RecoveryNoop        RecoveryKind = "noop"
	RecoveryRecyclePool RecoveryKind = "recycle_pool"
	RecoveryFlushCache  RecoveryKind = "flush_cache"
	RecoveryReopenConn  RecoveryKind = "reopen_connection"
)

// RecoveryAction is the tagged union a Checker's associated Recover hook
// (or the Coordinator's default escalation policy) emits when a checker
// crosses into StateFailing. Target names the component the action
// applies to (e.g. a pool name); Kind selects which repair to attempt.
type RecoveryAction struct {
	Kind   RecoveryKind
	Target string
	Reason string
}

// Recoverer performs a RecoveryAction. Implementations are supplied by
// the embedding application (e.g. closing over a specific Pool's Close,
// or a Cache's own flush), since the fabric's health package has no
// direct handle on pool/cache instances by design — decoupling recovery
// policy from the components it repairs.
type Recoverer interface {
	Recover(ctx context.Context, action RecoveryAction) error
}

// RecovererFunc adapts a plain function to Recoverer.
type RecovererFunc func(ctx context.Context, action RecoveryAction) error

func (f RecovererFunc) Recover(ctx context.Context, action RecoveryAction) error { return f(ctx, action) }

// checkerEntry binds a Checker to its schedule and escalation policy.
type checkerEntry struct {
	checker Checker

	// Escalation thresholds: consecutive failures needed to move
	// OK -> DEGRADED -> FAILING.
	degradeAfter int
	failAfter    int

	// Recovery, if set, is invoked (subject to the coordinator's rate
	// limiter) whenever this checker transitions into StateFailing.
	recovery *RecoveryAction

	// breaker, if set, is forced open whenever this checker transitions
	// into StateFailing, so a failing dependency's own circuit breaker
	// doesn't have to rediscover the failure through its own Execute
	// calls before it trips.
	breaker *resilience.CircuitBreaker

	mu           sync.Mutex
	state        State
	consecFail   int
	consecOK     int
	lastChecked  time.Time
	lastErr      error
}

// CheckerConfig configures one registered checker.
type CheckerConfig struct {
	// Schedule is a cron spec understood by robfig/cron (e.g. "@every 10s").
	Schedule string
	// DegradeAfter/FailAfter are consecutive-failure counts; both default
	// to 1 and 3 respectively when zero.
	DegradeAfter int
	FailAfter    int
	// Recovery, if non-nil, is attempted when the checker reaches
	// StateFailing.
	Recovery *RecoveryAction
	// Breaker, if non-nil, is forced open when the checker reaches
	// StateFailing, coupling this checker's escalation to that
	// breaker's open/half-open/closed state machine.
	Breaker *resilience.CircuitBreaker
}

// Config configures a Coordinator.
type Config struct {
	Name string `validate:"required"`

	// MaxRecoveriesPerWindow and Window bound how often recovery actions
	// fire in aggregate, regardless of how many checkers are failing, so
	// a correlated outage doesn't trigger a recovery storm.
	MaxRecoveriesPerWindow float64       `validate:"gt=0"`
	Window                 time.Duration `validate:"gt=0"`

	Metrics metrics.Sink
	Logger  *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecoveriesPerWindow: 6,
		Window:                 time.Minute,
	}
}

// Coordinator schedules Checkers, tracks their escalation state, and
// drives rate-limited RecoveryActions through a Recoverer.
type Coordinator struct {
	cfg       Config
	cron      *cron.Cron
	recoverer Recoverer
	limiter   *ratelimit.RateLimiter

	mu       sync.RWMutex
	entries  map[string]*checkerEntry
	entryIDs map[string]cron.EntryID

	onTransition func(checker string, from, to State)
}

// New constructs a Coordinator. recoverer may be nil, in which case
// RecoveryActions are logged but never applied.
func New(cfg Config, recoverer Recoverer) *Coordinator {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxRecoveriesPerWindow <= 0 {
		cfg.MaxRecoveriesPerWindow = 6
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	perSecond := cfg.MaxRecoveriesPerWindow / cfg.Window.Seconds()
	return &Coordinator{
		cfg:       cfg,
		cron:      cron.New(),
		recoverer: recoverer,
		limiter: ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: perSecond,
			Burst:             int(cfg.MaxRecoveriesPerWindow),
		}),
		entries:  make(map[string]*checkerEntry),
		entryIDs: make(map[string]cron.EntryID),
	}
}

// OnTransition registers a callback fired whenever any checker's State
// changes.
func (c *Coordinator) OnTransition(fn func(checker string, from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// Register adds a Checker under cc's schedule and escalation policy.
// Calling Register after Start is safe; the new checker's schedule
// takes effect on the cron's next tick pass.
func (c *Coordinator) Register(checker Checker, cc CheckerConfig) error {
	if cc.DegradeAfter <= 0 {
		cc.DegradeAfter = 1
	}
	if cc.FailAfter <= 0 {
		cc.FailAfter = 3
	}
	if cc.Schedule == "" {
		cc.Schedule = "@every 30s"
	}

	entry := &checkerEntry{
		checker:      checker,
		degradeAfter: cc.DegradeAfter,
		failAfter:    cc.FailAfter,
		recovery:     cc.Recovery,
		breaker:      cc.Breaker,
		state:        StateUnknown,
	}

	c.mu.Lock()
	c.entries[checker.Name()] = entry
	c.mu.Unlock()

	id, err := c.cron.AddFunc(cc.Schedule, func() { c.runCheck(checker.Name()) })
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entryIDs[checker.Name()] = id
	c.mu.Unlock()
	return nil
}

// Start begins the cron scheduler.
func (c *Coordinator) Start(ctx context.Context) error {
	c.cron.Start()
	return nil
}

// Stop stops the cron scheduler and waits for any running check to finish.
func (c *Coordinator) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

// CheckNow runs a single named checker immediately, outside its schedule,
// and returns its resulting state. Useful for an explicit liveness probe
// rather than waiting on the cron tick.
func (c *Coordinator) CheckNow(ctx context.Context, name string) (State, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return StateUnknown, nil
	}
	c.evaluate(ctx, name, entry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, entry.lastErr
}

func (c *Coordinator) runCheck(name string) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.evaluate(context.Background(), name, entry)
}

func (c *Coordinator) evaluate(ctx context.Context, name string, entry *checkerEntry) {
	start := time.Now()
	err := entry.checker.Check(ctx)
	d := time.Since(start)

	entry.mu.Lock()
	prev := entry.state
	entry.lastChecked = time.Now()
	entry.lastErr = err
	if err != nil {
		entry.consecFail++
		entry.consecOK = 0
		switch {
		case entry.consecFail >= entry.failAfter:
			entry.state = StateFailing
		case entry.consecFail >= entry.degradeAfter:
			entry.state = StateDegraded
		}
	} else {
		entry.consecOK++
		entry.consecFail = 0
		entry.state = StateOK
	}
	next := entry.state
	recovery := entry.recovery
	breaker := entry.breaker
	entry.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Observe("health_check_duration_seconds", map[string]string{"checker": name}, d.Seconds())
	}

	if prev != next {
		c.onTransitionFired(name, prev, next)
		if next == StateFailing {
			if breaker != nil {
				breaker.ForceOpen()
			}
			if recovery != nil {
				c.attemptRecovery(ctx, name, *recovery)
			}
		}
	}
}

func (c *Coordinator) onTransitionFired(name string, prev, next State) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Counter("health_state_transitions_total", map[string]string{"checker": name, "from": string(prev), "to": string(next)}, 1)
	}
	if c.cfg.Logger != nil {
		c.cfg.Logger.LogHealthTransition(context.Background(), name, string(prev), string(next))
	}
	c.mu.RLock()
	fn := c.onTransition
	c.mu.RUnlock()
	if fn != nil {
		fn(name, prev, next)
	}
}

func (c *Coordinator) attemptRecovery(ctx context.Context, checkerName string, action RecoveryAction) {
	if !c.limiter.Allow() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Counter("health_recovery_actions_total", map[string]string{"checker": checkerName, "kind": string(action.Kind), "outcome": "rate_limited"}, 1)
		}
		return
	}
	var err error
	if c.recoverer != nil {
		err = c.recoverer.Recover(ctx, action)
	}
	outcome := "applied"
	if err != nil {
		outcome = "error"
	} else if c.recoverer == nil {
		outcome = "logged_only"
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Counter("health_recovery_actions_total", map[string]string{"checker": checkerName, "kind": string(action.Kind), "outcome": outcome}, 1)
	}
	if c.cfg.Logger != nil {
		c.cfg.Logger.LogRecoveryAction(ctx, checkerName, string(action.Kind), err)
	}
}

// State returns the current escalation state for a registered checker.
func (c *Coordinator) State(name string) State {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state
}

// Overall returns the worst state across every registered checker:
// FAILING > DEGRADED > UNKNOWN > OK.
func (c *Coordinator) Overall() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	worst := StateOK
	rank := map[State]int{StateOK: 0, StateUnknown: 1, StateDegraded: 2, StateFailing: 3}
	for _, e := range c.entries {
		e.mu.Lock()
		s := e.state
		e.mu.Unlock()
		if rank[s] > rank[worst] {
			worst = s
		}
	}
	return worst
}
