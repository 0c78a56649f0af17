// Package scope implements the scope limiter: it guarantees at most one
// in-flight Web API call per scope key (a channel, or the workspace as a
// whole) and pauses admission for a scope after that scope's call comes
// back rate-limited.
package scope

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
)

// chatMethods is the enumerated set of methods scoped per-channel when the
// body names one; every other method is scoped to the whole workspace.
var chatMethods = map[string]bool{
	"chat.postMessage": true,
	"chat.update":       true,
	"chat.delete":       true,
	"chat.postEphemeral": true,
	"reactions.add":    true,
	"reactions.remove": true,
}

// Key names a scope: either a specific channel or the workspace at large.
func Key(method string, body map[string]any) string {
	if chatMethods[method] {
		if v, ok := body["channel"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return "channel:" + s
			}
		}
		if v, ok := body["channel_id"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return "channel:" + s
			}
		}
	}
	return "workspace"
}

// Result carries what a wrapped call learned about rate limiting, so the
// scope limiter can pause admission for this scope.
type Result struct {
	RateLimited bool
	RetryAfter  time.Duration
}

// Adapter persists blocked_until/in_flight state, pluggable so a
// deployment can share scope visibility across nodes. In-process admission
// ordering (the FIFO queue) always lives in the owning Limiter regardless
// of which Adapter is configured.
type Adapter interface {
	BlockedUntil(key string) (time.Time, error)
	SetBlockedUntil(key string, until time.Time) error
	InFlight(key string) (int, error)
	SetInFlight(key string, n int) error
}

type pendingCall struct {
	admit chan struct{}
}

type scopeQueue struct {
	waiters []*pendingCall
	timer   *time.Timer
}

// Limiter serializes calls per scope key and pauses admission for a key
// after a 429.
type Limiter struct {
	mu      sync.Mutex
	adapter Adapter
	queues  map[string]*scopeQueue
	emit    telemetry.Emitter
}

// New builds a Limiter over adapter.
func New(adapter Adapter, emit telemetry.Emitter) *Limiter {
	if emit == nil {
		emit = telemetry.Nop
	}
	return &Limiter{adapter: adapter, queues: make(map[string]*scopeQueue), emit: emit}
}

func (l *Limiter) queue(key string) *scopeQueue {
	q, ok := l.queues[key]
	if !ok {
		q = &scopeQueue{}
		l.queues[key] = q
	}
	return q
}

// AroundRequest runs fn once admitted for method/body's scope, enforcing
// at most one in-flight call for that scope and honoring any active pause.
// Bookkeeping (in_flight decrement, block-state update) always runs after
// fn returns, including when fn panics; the panic is re-raised afterward.
func (l *Limiter) AroundRequest(method string, body map[string]any, fn func() (Result, error)) (result Result, err error) {
	key := Key(method, body)
	l.admit(key)

	defer func() {
		p := recover()
		l.after(key, result)
		if p != nil {
			panic(p)
		}
	}()

	result, err = fn()
	return result, err
}

// admit blocks the caller until it may proceed for key.
func (l *Limiter) admit(key string) {
	l.mu.Lock()
	now := time.Now()
	blockedUntil, _ := l.adapter.BlockedUntil(key)
	inFlight, _ := l.adapter.InFlight(key)

	if blockedUntil.After(now) || inFlight > 0 {
		q := l.queue(key)
		pc := &pendingCall{admit: make(chan struct{})}
		q.waiters = append(q.waiters, pc)
		l.emit.Emit("scope_limiter.decision", map[string]any{"key": key, "decision": "queue", "queue_len": len(q.waiters)})
		if len(q.waiters) == 1 && blockedUntil.After(now) {
			l.armTimer(key, q, blockedUntil)
		}
		l.mu.Unlock()
		<-pc.admit
		return
	}

	l.adapter.SetInFlight(key, inFlight+1)
	l.emit.Emit("scope_limiter.decision", map[string]any{"key": key, "decision": "allow"})
	l.mu.Unlock()
}

// after runs once fn has returned (or panicked): decrement in_flight,
// apply any new block state, then either hand the slot to the next queued
// waiter or leave it open.
func (l *Limiter) after(key string, result Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inFlight, _ := l.adapter.InFlight(key)
	if inFlight > 0 {
		inFlight--
	}
	l.adapter.SetInFlight(key, inFlight)

	if result.RateLimited {
		until := time.Now().Add(result.RetryAfter)
		l.adapter.SetBlockedUntil(key, until)
	}

	if inFlight > 0 {
		return
	}

	q, ok := l.queues[key]
	if !ok || len(q.waiters) == 0 {
		return
	}

	now := time.Now()
	blockedUntil, _ := l.adapter.BlockedUntil(key)
	if blockedUntil.After(now) {
		l.armTimer(key, q, blockedUntil)
		return
	}

	l.dispatchHead(key, q)
}

// dispatchHead admits the head waiter. Caller must hold l.mu.
func (l *Limiter) dispatchHead(key string, q *scopeQueue) {
	pc := q.waiters[0]
	q.waiters = q.waiters[1:]
	l.adapter.SetInFlight(key, 1)
	close(pc.admit)
}

// armTimer schedules a recheck at until, unless one is already pending.
// Caller must hold l.mu.
func (l *Limiter) armTimer(key string, q *scopeQueue, until time.Time) {
	if q.timer != nil {
		return
	}
	delay := time.Until(until)
	if delay < 0 {
		delay = 0
	}
	q.timer = time.AfterFunc(delay, func() { l.onTimer(key) })
}

// onTimer fires when a pause deadline may have elapsed: reschedule if
// still blocked, otherwise drain the head waiter.
func (l *Limiter) onTimer(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[key]
	if !ok {
		return
	}
	q.timer = nil
	if len(q.waiters) == 0 {
		return
	}

	now := time.Now()
	blockedUntil, _ := l.adapter.BlockedUntil(key)
	if blockedUntil.After(now) {
		l.armTimer(key, q, blockedUntil)
		return
	}

	inFlight, _ := l.adapter.InFlight(key)
	if inFlight > 0 {
		return
	}

	l.dispatchHead(key, q)
	l.emit.Emit("scope_limiter.drain", map[string]any{"key": key})
}

func (l *Limiter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("scope.Limiter{queues=%d}", len(l.queues))
}
