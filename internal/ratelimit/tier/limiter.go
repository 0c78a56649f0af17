// Package tier implements the Slack Web API tier rate limiter: a token
// bucket per (method group, scope) with FIFO admission for blocked
// callers and a Suspend hook the Web API client drives on a 429 response.
package tier

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
)

// Limiter owns every bucket for one instance. A single mutex gives it the
// single-writer-actor discipline the spec requires: Acquire and Suspend
// never observe each other mid-update.
type Limiter struct {
	mu       sync.Mutex
	registry map[string]Spec
	buckets  map[string]*bucket
	emit     telemetry.Emitter
}

// New builds a Limiter over registry (use DefaultRegistry() plus any
// config overrides).
func New(registry map[string]Spec, emit telemetry.Emitter) *Limiter {
	if emit == nil {
		emit = telemetry.Nop
	}
	return &Limiter{registry: registry, buckets: make(map[string]*bucket), emit: emit}
}

func scopeKey(spec Spec, body map[string]any) string {
	if spec.Scope != ScopeChannel {
		return ""
	}
	if v, ok := body[spec.ScopeField]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "workspace"
}

func bucketKey(spec Spec, method, scope string) string {
	group := spec.Group
	if group == "" {
		group = method
	}
	return group + "\x00" + scope
}

// Acquire blocks until one token is spent for method. Methods absent from
// the registry bypass the limiter entirely and return immediately.
func (l *Limiter) Acquire(method string, body map[string]any) error {
	l.mu.Lock()
	spec, ok := l.registry[method]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	scope := scopeKey(spec, body)
	key := bucketKey(spec, method, scope)
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(spec, time.Now())
		l.buckets[key] = b
	}

	now := time.Now()
	b.refill(now)

	if b.tokens >= 1 && len(b.waiters) == 0 {
		b.tokens--
		l.mu.Unlock()
		l.emit.Emit("tier_limiter.acquire", map[string]any{"method": method, "key": key, "decision": "allow"})
		return nil
	}

	w := &waiter{done: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	l.armTimer(key, b)
	l.emit.Emit("tier_limiter.acquire", map[string]any{"method": method, "key": key, "decision": "queue", "queue_len": len(b.waiters)})
	l.mu.Unlock()

	<-w.done
	return nil
}

// armTimer schedules a release check for key's bucket if one isn't
// already pending. Caller must hold l.mu.
func (l *Limiter) armTimer(key string, b *bucket) {
	if b.timer != nil {
		return
	}
	now := time.Now()
	delay := b.nextReleaseAt(now).Sub(now)
	if delay < 0 {
		delay = 0
	}
	b.timer = time.AfterFunc(delay, func() { l.release(key) })
}

// release fires on a bucket's timer: refill, drain as many waiters as
// tokens allow, reschedule if any remain.
func (l *Limiter) release(key string) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	b.timer = nil

	now := time.Now()
	wasSuspended := now.Before(b.suspendedUntil)
	b.refill(now)

	drained := 0
	for b.tokens >= 1 && len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.tokens--
		close(w.done)
		drained++
	}
	if wasSuspended && !now.Before(b.suspendedUntil) {
		l.emit.Emit("tier_limiter.resume", map[string]any{"key": key})
	}
	if len(b.waiters) > 0 {
		l.armTimer(key, b)
	}
	if drained > 0 {
		l.emit.Emit("tier_limiter.drain", map[string]any{"key": key, "count": drained})
	}
	l.mu.Unlock()
}

// Suspend is called by the Web API client on a 429 response. It zeroes the
// bucket and blocks refill until now+delay; any already-queued waiters
// simply wait longer for the rearmed timer.
func (l *Limiter) Suspend(method string, body map[string]any, delay time.Duration) {
	l.mu.Lock()
	spec, ok := l.registry[method]
	if !ok {
		l.mu.Unlock()
		return
	}
	scope := scopeKey(spec, body)
	key := bucketKey(spec, method, scope)
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(spec, time.Now())
		l.buckets[key] = b
	}
	b.suspend(time.Now(), delay)
	if len(b.waiters) > 0 {
		l.armTimer(key, b)
	}
	l.mu.Unlock()
	l.emit.Emit("tier_limiter.suspend", map[string]any{"method": method, "key": key, "delay": delay.String()})
}

// Describe is a diagnostics helper reporting a bucket's current state,
// used by the tier tests. It returns ok=false for unknown keys.
func (l *Limiter) Describe(method string, body map[string]any) (tokens float64, queueLen int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spec, known := l.registry[method]
	if !known {
		return 0, 0, false
	}
	key := bucketKey(spec, method, scopeKey(spec, body))
	b, exists := l.buckets[key]
	if !exists {
		return spec.initialTokens(), 0, true
	}
	return b.tokens, len(b.waiters), true
}

func (l *Limiter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("tier.Limiter{buckets=%d}", len(l.buckets))
}
