// Package buffer implements the TTL-bounded envelope dedupe store described
// by the event buffer component: idempotent Record/Seen/Delete/Pending
// behind a pluggable Backend, so the same EventBuffer API works whether the
// backend is a single process's memory or a shared cross-node table.
package buffer

import (
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
)

// Outcome is the result of a Record call.
type Outcome int

const (
	// Ok means this call's payload is the one stored for the key.
	Ok Outcome = iota
	// Duplicate means a payload for this key was already stored; only the
	// entry's touched_at was refreshed.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "ok"
}

// Entry is a stored dedupe record, as returned by Pending.
type Entry struct {
	Key       string
	Payload   map[string]any
	TouchedAt time.Time
}

// Backend is the adapter interface an EventBuffer delegates to. Backends
// must make Record atomic: concurrent Record calls for the same
// (namespace, key) within TTL produce exactly one Ok.
type Backend interface {
	Record(namespace, key string, payload map[string]any, now time.Time, ttl time.Duration) (Outcome, error)
	Seen(namespace, key string, now time.Time, ttl time.Duration) (bool, error)
	Delete(namespace, key string) error
	Pending(namespace string, now time.Time, ttl time.Duration) ([]Entry, error)
}

// DefaultTTL is used when an EventBuffer is constructed with ttl <= 0.
const DefaultTTL = 5 * time.Minute

// EventBuffer is the per-instance dedupe store. Namespace scopes all keys
// so distinct instances (or distinct cross-node deployments sharing one
// external backend) never see each other's entries.
type EventBuffer struct {
	backend   Backend
	namespace string
	ttl       time.Duration
	emit      telemetry.Emitter
}

// New builds an EventBuffer over backend, scoped to namespace.
func New(backend Backend, namespace string, ttl time.Duration, emit telemetry.Emitter) *EventBuffer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if emit == nil {
		emit = telemetry.Nop
	}
	return &EventBuffer{backend: backend, namespace: namespace, ttl: ttl, emit: emit}
}

// Record stores payload under key if key hasn't been seen within TTL, or
// refreshes the existing entry's touched_at otherwise. An empty key is a
// no-op that always reports Ok — nil envelope_ids bypass dedupe entirely.
func (b *EventBuffer) Record(key string, payload map[string]any) (Outcome, error) {
	if key == "" {
		return Ok, nil
	}
	outcome, err := b.backend.Record(b.namespace, key, payload, time.Now(), b.ttl)
	if err != nil {
		return Ok, err
	}
	b.emit.Emit("event_buffer.record", map[string]any{"key": key, "decision": outcome.String()})
	return outcome, nil
}

// Seen reports whether key has a live (non-expired) entry.
func (b *EventBuffer) Seen(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return b.backend.Seen(b.namespace, key, time.Now(), b.ttl)
}

// Delete removes key's entry, if any.
func (b *EventBuffer) Delete(key string) error {
	if key == "" {
		return nil
	}
	return b.backend.Delete(b.namespace, key)
}

// Pending returns every live entry's payload ordered by touched_at
// ascending (oldest first).
func (b *EventBuffer) Pending() ([]Entry, error) {
	return b.backend.Pending(b.namespace, time.Now(), b.ttl)
}
