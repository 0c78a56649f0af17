package diagnostics

import "testing"

func TestRecordAndListOrdering(t *testing.T) {
	b := New(true, 10, nil)
	b.Record(Inbound, "events_api", map[string]any{"n": 1})
	b.Record(Inbound, "events_api", map[string]any{"n": 2})
	b.Record(Inbound, "events_api", map[string]any{"n": 3})

	newest := b.List(Filters{})
	if len(newest) != 3 || newest[0].Payload["n"] != 3 {
		t.Fatalf("expected newest_first order with 3 first, got %+v", newest)
	}

	oldest := b.List(Filters{OldestFirst: true})
	if len(oldest) != 3 || oldest[0].Payload["n"] != 1 {
		t.Fatalf("expected oldest_first order with 1 first, got %+v", oldest)
	}
}

func TestRecordDisabledIsNoOp(t *testing.T) {
	b := New(false, 10, nil)
	b.Record(Inbound, "events_api", nil)
	if len(b.List(Filters{})) != 0 {
		t.Error("expected disabled buffer to record nothing")
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(true, 2, nil)
	b.Record(Inbound, "a", nil)
	b.Record(Inbound, "b", nil)
	b.Record(Inbound, "c", nil)

	entries := b.List(Filters{OldestFirst: true})
	if len(entries) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(entries))
	}
	if entries[0].Type != "b" || entries[1].Type != "c" {
		t.Fatalf("expected [b c] after evicting oldest, got %+v", entries)
	}
}

func TestListFilterByDirectionAndType(t *testing.T) {
	b := New(true, 10, nil)
	b.Record(Inbound, "events_api", nil)
	b.Record(Outbound, "chat.postMessage", nil)
	b.Record(Inbound, "slash_commands", nil)

	in := Inbound
	onlyInbound := b.List(Filters{Direction: &in})
	if len(onlyInbound) != 2 {
		t.Fatalf("expected 2 inbound entries, got %d", len(onlyInbound))
	}

	onlyEvents := b.List(Filters{Types: map[string]bool{"events_api": true}})
	if len(onlyEvents) != 1 || onlyEvents[0].Type != "events_api" {
		t.Fatalf("expected 1 events_api entry, got %+v", onlyEvents)
	}
}

func TestListLimit(t *testing.T) {
	b := New(true, 10, nil)
	for i := 0; i < 5; i++ {
		b.Record(Inbound, "events_api", nil)
	}
	limited := b.List(Filters{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries with limit, got %d", len(limited))
	}
}

func TestClear(t *testing.T) {
	b := New(true, 10, nil)
	b.Record(Inbound, "events_api", nil)
	b.Clear()
	if len(b.List(Filters{})) != 0 {
		t.Error("expected empty buffer after Clear")
	}
}

func TestReplayOnlySelectsInbound(t *testing.T) {
	b := New(true, 10, nil)
	b.Record(Inbound, "events_api", map[string]any{"id": 1})
	b.Record(Outbound, "chat.postMessage", map[string]any{"id": 2})
	b.Record(Inbound, "slash_commands", map[string]any{"id": 3})

	var dispatched []Entry
	count := b.Replay(Filters{}, func(e Entry) { dispatched = append(dispatched, e) })
	if count != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", count)
	}
	for _, e := range dispatched {
		if e.Direction != Inbound {
			t.Errorf("expected only inbound entries replayed, got %+v", e)
		}
	}
}
