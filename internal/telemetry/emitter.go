// Package telemetry provides the instance-wide event emitter. Every
// component reports state transitions and decisions through it instead of
// logging directly, so tests can capture emitted events and production code
// can route them to stdout with the instance's configured name prefix.
package telemetry

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event is a single telemetry emission.
type Event struct {
	Name   string         // e.g. "handler.ingress", "scope_limiter.decision"
	Fields map[string]any // event-specific metadata
	At     time.Time
}

// Emitter receives telemetry events. Components hold an Emitter, never a
// *log.Logger directly, so the instance controls prefixing and capture.
type Emitter interface {
	Emit(name string, fields map[string]any)
}

// Func adapts a plain function to an Emitter. Tests use this to collect
// events into a slice without standing up a full Writer.
type Func func(name string, fields map[string]any)

// Emit implements Emitter.
func (f Func) Emit(name string, fields map[string]any) { f(name, fields) }

// Collector is a test Emitter that records every event it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

// Emit implements Emitter.
func (c *Collector) Emit(name string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Name: name, Fields: fields, At: time.Now()})
}

// Events returns a snapshot of everything recorded so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Writer is a production Emitter that formats events as log lines prefixed
// by the instance's telemetry prefix segments, e.g. "[myapp.prod] handler.ingress decision=queue envelope_id=E1 type=events_api".
type Writer struct {
	prefix string
	out    io.Writer
	mu     sync.Mutex
}

// NewWriter builds a Writer. prefix is Config's ordered telemetry_prefix
// segments; out defaults to os.Stdout when nil.
func NewWriter(prefix []string, out io.Writer) *Writer {
	if out == nil {
		out = os.Stdout
	}
	return &Writer{prefix: strings.Join(prefix, "."), out: out}
}

// Emit implements Emitter.
func (w *Writer) Emit(name string, fields map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	if w.prefix != "" {
		fmt.Fprintf(&b, "[%s] ", w.prefix)
	}
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(w.out, b.String())
}

// Nop discards everything. Used when a component is constructed without an
// explicit Emitter (e.g. in isolated unit tests).
var Nop Emitter = Func(func(string, map[string]any) {})
