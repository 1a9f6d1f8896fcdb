// Command demo wires the resource pool, hierarchical cache, idempotency
// store, and health coordinator into a single process through the
// Lifecycle Registry, and drives each through one example operation so a
// reader can see the fabric's components working together end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	rcfg "github.com/twshwa/rarf/infrastructure/config"
	"github.com/twshwa/rarf/infrastructure/lifecycle"
	"github.com/twshwa/rarf/infrastructure/logging"
	"github.com/twshwa/rarf/infrastructure/metrics"

	"github.com/twshwa/rarf/infrastructure/cache"
	"github.com/twshwa/rarf/infrastructure/health"
	"github.com/twshwa/rarf/infrastructure/idempotency"
	"github.com/twshwa/rarf/infrastructure/pool"
	"github.com/twshwa/rarf/infrastructure/pool/adapters"
	"github.com/twshwa/rarf/infrastructure/state"
)

// settings are the process-level knobs a caller of this demo can bind
// from the environment; component-level tuning (pool sizes, TTLs, etc)
// stays in Go code below, since those are fabric concerns, not
// deployment concerns.
type settings struct {
	LogLevel string `env:"DEMO_LOG_LEVEL"`
	HTTPAddr string `env:"DEMO_HTTP_PING_URL"`
}

func main() {
	dotenv := flag.String("env-file", ".env", "optional .env file to load before reading the environment")
	flag.Parse()

	if err := rcfg.LoadDotEnv(*dotenv); err != nil {
		log.Fatalf("load .env: %v", err)
	}

	cfg := settings{LogLevel: "info"}
	// envdecode errors out when none of the tagged fields are present in
	// the environment; treat that as "no overrides" so a bare run works.
	if err := envdecode.Decode(&cfg); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		log.Fatalf("decode settings: %v", err)
	}

	logger := logging.New("rarf-demo", cfg.LogLevel, "text")
	sink := metrics.New("rarf_demo")

	httpAdapter := adapters.NewHTTPAdapter(adapters.HTTPConfig{
		Timeout: 5 * time.Second,
		PingURL: cfg.HTTPAddr,
	})
	poolCfg := pool.Config{
		Name:           "demo-http-pool",
		MinSize:        1,
		MaxSize:        4,
		AcquireTimeout: 2 * time.Second,
		MaxWaitQueue:   16,
		ReapInterval:   time.Minute,
		IdleTimeout:    10 * time.Minute,
		LeaseTimeout:   30 * time.Second,
		Metrics:        sink,
		Logger:         logger,
	}
	if err := rcfg.Validate(poolCfg); err != nil {
		log.Fatalf("invalid pool config: %v", err)
	}
	httpPool := pool.New(poolCfg, httpAdapter)

	cacheCfg := cache.Config{
		Name:       "demo-cache",
		ShardCount: 8,
		DefaultTTL: time.Minute,
		Metrics:    sink,
	}
	if err := rcfg.Validate(cacheCfg); err != nil {
		log.Fatalf("invalid cache config: %v", err)
	}
	demoCache := cache.New(cacheCfg)

	idemCfg := idempotency.Config{
		Name:          "demo-idempotency",
		LeaseDuration: 30 * time.Second,
		StripeCount:   16,
		Backend:       state.NewMemoryBackend(time.Minute),
		HotCacheSize:  256,
		Metrics:       sink,
	}
	if err := rcfg.Validate(idemCfg); err != nil {
		log.Fatalf("invalid idempotency config: %v", err)
	}
	idemStore, err := idempotency.New(idemCfg)
	if err != nil {
		log.Fatalf("construct idempotency store: %v", err)
	}

	healthCfg := health.Config{
		Name:                   "demo-health",
		MaxRecoveriesPerWindow: 3,
		Window:                 time.Minute,
		Metrics:                sink,
		Logger:                 logger,
	}
	if err := rcfg.Validate(healthCfg); err != nil {
		log.Fatalf("invalid health config: %v", err)
	}
	coordinator := health.New(healthCfg, health.RecovererFunc(func(ctx context.Context, action health.RecoveryAction) error {
		logger.Info(ctx, "recovery action requested", map[string]interface{}{
			"kind": string(action.Kind), "target": action.Target, "reason": action.Reason,
		})
		if action.Kind == health.RecoveryRecyclePool && action.Target == "demo-http-pool" {
			return httpPool.Close(ctx)
		}
		return nil
	}))
	if err := coordinator.Register(&poolChecker{pool: httpPool}, health.CheckerConfig{
		Schedule:     "@every 15s",
		DegradeAfter: 1,
		FailAfter:    3,
		Recovery:     &health.RecoveryAction{Kind: health.RecoveryRecyclePool, Target: "demo-http-pool"},
	}); err != nil {
		log.Fatalf("register health checker: %v", err)
	}

	registry := lifecycle.NewRegistry()
	if err := registry.Register(&poolComponent{name: "demo-http-pool", pool: httpPool}); err != nil {
		log.Fatalf("register pool component: %v", err)
	}
	if err := registry.Register(&healthComponent{coordinator: coordinator}); err != nil {
		log.Fatalf("register health component: %v", err)
	}
	registry.Dependencies().Set("demo-health", "demo-http-pool")

	manager := lifecycle.NewManager(lifecycle.WithRegistry(registry), lifecycle.WithStopDeadline(10*time.Second))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start components: %v", err)
	}

	runExample(ctx, httpPool, demoCache, idemStore, logger)

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		log.Printf("stop components: %v", err)
	}
}

// runExample exercises the pool, cache, and idempotency store once so
// the wiring above is demonstrably live, not just constructed.
func runExample(ctx context.Context, p *pool.Pool[*http.Client], c *cache.Cache, s *idempotency.Store, logger *logging.Logger) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		logger.Error(ctx, "pool acquire failed", err, nil)
		return
	}
	if err := p.Release(lease); err != nil {
		logger.Error(ctx, "pool release failed", err, nil)
	}

	const key = "demo-request-1"
	rec, won, err := s.Begin(ctx, key)
	if err != nil {
		logger.Error(ctx, "idempotency begin failed", err, nil)
		return
	}
	if !won {
		logger.Info(ctx, "request already in flight or resolved", map[string]interface{}{"status": string(rec.Status)})
		return
	}

	value, err := c.GetOrLoad(ctx, "greeting", time.Minute, func(ctx context.Context) (interface{}, error) {
		return "hello from the resource fabric", nil
	})
	if err != nil {
		_ = s.Fail(ctx, key, err.Error())
		logger.Error(ctx, "cache load failed", err, nil)
		return
	}

	if err := s.Complete(ctx, key, []byte(fmt.Sprintf("%q", value))); err != nil {
		logger.Error(ctx, "idempotency complete failed", err, nil)
	}
}

// poolComponent adapts a *pool.Pool[*http.Client] to lifecycle.Component.
type poolComponent struct {
	name string
	pool *pool.Pool[*http.Client]
}

func (p *poolComponent) Name() string                   { return p.name }
func (p *poolComponent) Start(ctx context.Context) error { return nil }
func (p *poolComponent) Stop(ctx context.Context) error  { return p.pool.Close(ctx) }

// healthComponent adapts a *health.Coordinator to lifecycle.Component.
type healthComponent struct {
	coordinator *health.Coordinator
}

func (h *healthComponent) Name() string                   { return "demo-health" }
func (h *healthComponent) Start(ctx context.Context) error { return h.coordinator.Start(ctx) }
func (h *healthComponent) Stop(ctx context.Context) error  { return h.coordinator.Stop(ctx) }

// poolChecker reports a pool unhealthy once it has no idle resources and
// a non-empty wait queue, a proxy for "callers are starved."
type poolChecker struct {
	pool *pool.Pool[*http.Client]
}

func (c *poolChecker) Name() string { return "demo-http-pool" }

func (c *poolChecker) Check(ctx context.Context) error {
	st := c.pool.Stats()
	if st.Idle == 0 && st.WaitQueue > 0 {
		return fmt.Errorf("pool starved: idle=0 waitqueue=%d", st.WaitQueue)
	}
	return nil
}
