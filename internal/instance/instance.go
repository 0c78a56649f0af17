// Package instance assembles one running bot: it wires config into the
// rate limiters, Web API client, event buffer, metadata cache, diagnostics
// ring, connection manager, health monitor, and sync workers, and exposes
// the single surface a host program drives (Start/Stop/Push/Cache/...).
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/buffer"
	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/diagnostics"
	"github.com/signalman-dev/signalman/internal/handler"
	"github.com/signalman-dev/signalman/internal/health"
	"github.com/signalman-dev/signalman/internal/ratelimit/scope"
	"github.com/signalman-dev/signalman/internal/ratelimit/tier"
	"github.com/signalman-dev/signalman/internal/socket"
	"github.com/signalman-dev/signalman/internal/store"
	"github.com/signalman-dev/signalman/internal/syncworker"
	"github.com/signalman-dev/signalman/internal/telemetry"
	"github.com/signalman-dev/signalman/internal/webapi"
)

// Instance is one running Socket Mode bot.
type Instance struct {
	cfg     *config.Config
	emit    telemetry.Emitter
	webapi  *webapi.Client
	buf     *buffer.EventBuffer
	cache   *cache.Cache
	diag    *diagnostics.Buffer
	manager *socket.Manager
	health  *health.Monitor
	workers []*syncworker.Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes an Instance at construction, for tests and for hosts
// embedding the framework with a non-default HTTP transport.
type Option func(*options)

type options struct {
	httpDoer webapi.HTTPDoer
}

// WithHTTPDoer overrides the HTTP transport the Web API client uses,
// instead of http.DefaultClient.
func WithHTTPDoer(doer webapi.HTTPDoer) Option {
	return func(o *options) { o.httpDoer = doer }
}

// New builds an Instance from cfg and h, opening whatever external stores
// cfg's adapter selectors name. It does not start anything — call Start.
func New(cfg *config.Config, h handler.Handler, opts ...Option) (*Instance, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	emit := telemetry.Emitter(telemetry.NewWriter(cfg.TelemetryPrefix, nil))

	tierLimiter := tier.New(tier.DefaultRegistry(), emit)

	scopeAdapter, err := buildScopeAdapter(cfg.RateLimiter)
	if err != nil {
		return nil, err
	}
	scopeLimiter := scope.New(scopeAdapter, emit)

	apiClient := webapi.New(cfg.BotToken, cfg.AppToken, tierLimiter, scopeLimiter, o.httpDoer, emit)

	bufBackend, err := buildBufferBackend(cfg.EventBuffer)
	if err != nil {
		return nil, err
	}
	namespace := cfg.Name
	buf := buffer.New(bufBackend, namespace, 0, emit)

	cacheBackend, err := buildCacheBackend(cfg.Cache)
	if err != nil {
		return nil, err
	}
	userTTL := time.Duration(cfg.UserCache.TTLMS) * time.Millisecond
	fetch := fetchUserFunc(apiClient, userTTL)
	c := cache.New(cacheBackend, namespace, emit, fetch)

	diag := diagnostics.New(cfg.Diagnostics.Enabled, cfg.Diagnostics.BufferSize, emit)

	inst := &Instance{
		cfg:    cfg,
		emit:   emit,
		webapi: apiClient,
		buf:    buf,
		cache:  c,
		diag:   diag,
	}

	inst.manager = socket.New(cfg, apiClient, buf, c, diag, h, func() socket.Client {
		return socket.NewRealClient(cfg.BotToken, cfg.AppToken)
	}, emit)

	if cfg.HealthCheck.Enabled {
		probe := func() (webapi.Response, error) { return apiClient.Post("auth.test", map[string]any{}) }
		inst.health = health.New(probe, inst.manager, cfg.HealthCheck.IntervalMS, emit)
	}

	if cfg.CacheSync.Enabled {
		for _, kind := range cfg.CacheSync.Kinds {
			inst.workers = append(inst.workers, syncworker.New(kind, c, apiClient, cfg.CacheSync.IntervalMS, cfg.CacheSync.PageLimit, userTTL, emit))
		}
	}

	return inst, nil
}

func buildScopeAdapter(sel config.AdapterSelector) (scope.Adapter, error) {
	if sel.Kind != "external" {
		return scope.NewMemoryAdapter(), nil
	}
	db, err := store.Open(sel.DSN)
	if err != nil {
		return nil, fmt.Errorf("instance: rate_limiter adapter: %w", err)
	}
	if err := store.AutoMigrate(db, &scope.StateRow{}); err != nil {
		return nil, fmt.Errorf("instance: rate_limiter adapter: %w", err)
	}
	return scope.NewGormAdapter(db), nil
}

func buildBufferBackend(sel config.AdapterSelector) (buffer.Backend, error) {
	if sel.Kind != "external" {
		return buffer.NewMemoryBackend(), nil
	}
	db, err := store.Open(sel.DSN)
	if err != nil {
		return nil, fmt.Errorf("instance: event_buffer adapter: %w", err)
	}
	if err := store.AutoMigrate(db, &buffer.Record{}); err != nil {
		return nil, fmt.Errorf("instance: event_buffer adapter: %w", err)
	}
	return buffer.NewGormBackend(db), nil
}

func buildCacheBackend(sel config.AdapterSelector) (cache.Backend, error) {
	if sel.Kind != "external" {
		return cache.NewMemoryBackend(), nil
	}
	db, err := store.Open(sel.DSN)
	if err != nil {
		return nil, fmt.Errorf("instance: cache adapter: %w", err)
	}
	if err := store.AutoMigrate(db, &cache.Member{}, &cache.UserRow{}, &cache.MetadataRow{}); err != nil {
		return nil, fmt.Errorf("instance: cache adapter: %w", err)
	}
	return cache.NewGormBackend(db), nil
}

// fetchUserFunc builds the cache.Fetcher that backs Cache.FetchUser,
// calling users.info through the already-rate-limited Web API client.
func fetchUserFunc(api *webapi.Client, ttl time.Duration) cache.Fetcher {
	return func(userID string) (cache.User, error) {
		resp, err := api.Post("users.info", map[string]any{"user": userID})
		if err != nil {
			return cache.User{}, err
		}
		userObj, _ := resp.Raw["user"].(map[string]any)
		if userObj == nil {
			return cache.User{}, fmt.Errorf("instance: users.info: no user in response")
		}
		email := ""
		if profile, ok := userObj["profile"].(map[string]any); ok {
			email, _ = profile["email"].(string)
		}
		return cache.User{
			ID:          stringField(userObj, "id"),
			Email:       email,
			DisplayName: stringField(userObj, "name"),
			RealName:    stringField(userObj, "real_name"),
			Raw:         userObj,
			ExpiresAt:   time.Now().Add(ttl),
		}, nil
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Config returns the validated configuration this Instance was built from.
func (i *Instance) Config() *config.Config { return i.cfg }

// Cache exposes the metadata cache for read access.
func (i *Instance) Cache() *cache.Cache { return i.cache }

// Diagnostics exposes the inbound/outbound ring buffer.
func (i *Instance) Diagnostics() *diagnostics.Buffer { return i.diag }

// Manager exposes the connection manager for read access (state, bot user).
func (i *Instance) Manager() *socket.Manager { return i.manager }

// HealthMonitor exposes the auth.test health monitor, nil if disabled.
func (i *Instance) HealthMonitor() *health.Monitor { return i.health }

// Workers exposes the cache sync workers, empty if cache sync is disabled.
func (i *Instance) Workers() []*syncworker.Worker { return i.workers }

// Start launches the connection manager, health monitor, sync workers, and
// the cache janitor. It returns once everything has been launched; Run
// errors surface through telemetry, not a return value, since each runs for
// the Instance's lifetime.
func (i *Instance) Start(ctx context.Context) {
	i.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.mu.Unlock()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.manager.Run(ctx)
	}()

	if i.health != nil {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.health.Run(ctx)
		}()
	}

	for _, w := range i.workers {
		i.wg.Add(1)
		go func(w *syncworker.Worker) {
			defer i.wg.Done()
			w.Run(ctx)
		}(w)
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.runJanitor(ctx)
	}()

	i.emit.Emit("instance.started", map[string]any{"name": i.cfg.Name})
}

// runJanitor sweeps expired cache entries on cleanup_interval_ms until ctx
// is done.
func (i *Instance) runJanitor(ctx context.Context) {
	interval := time.Duration(i.cfg.UserCache.CleanupIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.cache.Sweep(); err != nil {
				i.emit.Emit("cache.sweep_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Stop signals every running component to exit and waits for them to do so.
func (i *Instance) Stop() {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel == nil {
		return
	}
	i.manager.Stop()
	cancel()
	i.wg.Wait()
	i.emit.Emit("instance.stopped", map[string]any{"name": i.cfg.Name})
}

// Push performs one Web API call and records it to diagnostics as outbound
// traffic, returning its decoded response synchronously.
func (i *Instance) Push(method string, body map[string]any) (webapi.Response, error) {
	resp, err := i.webapi.Post(method, body)
	i.diag.Record(diagnostics.Outbound, method, body)
	return resp, err
}

// PushAsync performs Push in a goroutine and reports the outcome through
// telemetry instead of blocking the caller.
func (i *Instance) PushAsync(method string, body map[string]any) {
	go func() {
		_, err := i.Push(method, body)
		if err != nil {
			i.emit.Emit("webapi.push_async_failed", map[string]any{"method": method, "error": err.Error()})
		}
	}()
}

// ReplayDiagnostics re-dispatches recorded inbound entries matching filters
// back through the normal pipeline, bypassing ack/dedupe, and returns how
// many were replayed.
func (i *Instance) ReplayDiagnostics(filters diagnostics.Filters) int {
	return i.diag.Replay(filters, i.manager.Dispatch)
}

// Emit injects a synthetic inbound event through the normal dispatch
// pipeline (cache side effects, Handler.Dispatch), bypassing ack/dedupe.
// Useful for tests and for host-triggered synthetic events.
func (i *Instance) Emit(eventType string, payload map[string]any) {
	i.manager.Dispatch(diagnostics.Entry{Type: eventType, Payload: payload})
}
