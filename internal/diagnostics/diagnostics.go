// Package diagnostics implements the bounded ring buffer of inbound and
// outbound traffic used for troubleshooting and for replaying inbound
// envelopes back through the normal dispatch path.
package diagnostics

import (
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
)

// Direction classifies a recorded entry.
type Direction int

const (
	// Inbound is a frame received from the socket.
	Inbound Direction = iota
	// Outbound is a Web API call issued by the instance.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Entry is one recorded event.
type Entry struct {
	Direction Direction
	Type      string
	Payload   map[string]any
	At        time.Time
}

// Filters narrows a List or Replay call.
type Filters struct {
	Direction  *Direction      // nil matches both directions
	Types      map[string]bool // nil/empty matches every type
	Limit      int             // 0 means unlimited
	OldestFirst bool           // default is newest_first
}

func (f Filters) matches(e Entry) bool {
	if f.Direction != nil && *f.Direction != e.Direction {
		return false
	}
	if len(f.Types) > 0 && !f.Types[e.Type] {
		return false
	}
	return true
}

// Buffer is a bounded ring of Entry, oldest evicted first on overflow.
type Buffer struct {
	mu      sync.Mutex
	enabled bool
	size    int
	entries []Entry
	start   int // index of oldest entry in entries
	count   int
	emit    telemetry.Emitter
}

// New builds a Buffer with the given capacity. A non-positive size is
// treated as disabled: Record becomes a no-op.
func New(enabled bool, size int, emit telemetry.Emitter) *Buffer {
	if emit == nil {
		emit = telemetry.Nop
	}
	if size <= 0 {
		enabled = false
		size = 0
	}
	return &Buffer{
		enabled: enabled,
		size:    size,
		entries: make([]Entry, size),
		emit:    emit,
	}
}

// Record appends entry, evicting the oldest on overflow. A no-op when the
// buffer is disabled.
func (b *Buffer) Record(direction Direction, entryType string, payload map[string]any) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	entry := Entry{Direction: direction, Type: entryType, Payload: payload, At: time.Now()}
	idx := (b.start + b.count) % b.size
	if b.count < b.size {
		b.entries[idx] = entry
		b.count++
	} else {
		b.entries[b.start] = entry
		b.start = (b.start + 1) % b.size
	}
	b.mu.Unlock()
	b.emit.Emit("diagnostics.record", map[string]any{"direction": direction.String(), "type": entryType})
}

// List returns a snapshot filtered and ordered per filters.
func (b *Buffer) List(filters Filters) []Entry {
	b.mu.Lock()
	ordered := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		ordered = append(ordered, b.entries[(b.start+i)%b.size])
	}
	b.mu.Unlock()

	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if filters.matches(e) {
			out = append(out, e)
		}
	}
	if !filters.OldestFirst {
		reverse(out)
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}

// Dispatch is invoked once per replayed inbound entry.
type Dispatch func(entry Entry)

// Replay selects inbound entries matching filters and invokes dispatch for
// each, returning the count processed. Filters.Direction is forced to
// Inbound regardless of what the caller supplied, since only inbound
// traffic can be meaningfully replayed through the dispatch path.
func (b *Buffer) Replay(filters Filters, dispatch Dispatch) int {
	inbound := Inbound
	filters.Direction = &inbound
	entries := b.List(filters)
	for _, e := range entries {
		dispatch(e)
	}
	b.emit.Emit("diagnostics.replay", map[string]any{"count": len(entries)})
	return len(entries)
}
