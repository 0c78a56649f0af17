package syncworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/webapi"
)

type fakePoster struct {
	responses []webapi.Response
	errs      []error
	calls     []map[string]any
}

func (f *fakePoster) Post(method string, body map[string]any) (webapi.Response, error) {
	i := len(f.calls)
	f.calls = append(f.calls, body)
	if i < len(f.errs) && f.errs[i] != nil {
		return webapi.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return webapi.Response{Raw: map[string]any{}}, nil
}

func newCache() *cache.Cache {
	return cache.New(cache.NewMemoryBackend(), "test", nil, nil)
}

func TestSyncChannelsPageJoinsAndIndexesByID(t *testing.T) {
	c := newCache()
	api := &fakePoster{responses: []webapi.Response{{Raw: map[string]any{
		"channels": []any{
			map[string]any{"id": "C1", "name": "general"},
			map[string]any{"id": "C2", "name": "random"},
		},
	}}}}
	w := New(config.CacheKindChannels, c, api, 1000, 0, 0, nil)

	cursor, wait := w.syncOnce(context.Background(), "")
	if cursor != "" {
		t.Fatalf("expected no next cursor, got %q", cursor)
	}
	if wait != time.Second {
		t.Fatalf("expected full interval wait, got %v", wait)
	}

	ids, _ := c.Channels()
	if len(ids) != 2 {
		t.Fatalf("expected 2 channels joined, got %+v", ids)
	}
	ch, ok, _ := c.GetChannel("C1")
	if !ok || ch.Name != "general" {
		t.Fatalf("expected C1 named general, got %+v ok=%v", ch, ok)
	}
}

func TestSyncChannelsPagesFollowCursor(t *testing.T) {
	c := newCache()
	api := &fakePoster{responses: []webapi.Response{
		{Raw: map[string]any{
			"channels":         []any{map[string]any{"id": "C1", "name": "one"}},
			"response_metadata": map[string]any{"next_cursor": "page2"},
		}},
		{Raw: map[string]any{
			"channels": []any{map[string]any{"id": "C2", "name": "two"}},
		}},
	}}
	w := New(config.CacheKindChannels, c, api, 1000, 0, 0, nil)

	cursor, wait := w.syncOnce(context.Background(), "")
	if cursor != "page2" || wait != 0 {
		t.Fatalf("expected immediate follow-up with page2, got cursor=%q wait=%v", cursor, wait)
	}
	cursor, wait = w.syncOnce(context.Background(), cursor)
	if cursor != "" || wait != time.Second {
		t.Fatalf("expected cycle to end after second page, got cursor=%q wait=%v", cursor, wait)
	}
	if len(api.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(api.calls))
	}
	if api.calls[1]["cursor"] != "page2" {
		t.Fatalf("expected second call to carry the cursor, got %+v", api.calls[1])
	}
}

func TestSyncUsersPagePutsUserWithTTL(t *testing.T) {
	c := newCache()
	api := &fakePoster{responses: []webapi.Response{{Raw: map[string]any{
		"members": []any{
			map[string]any{"id": "U1", "name": "ada", "real_name": "Ada L", "profile": map[string]any{"email": "ada@example.com"}},
		},
	}}}}
	w := New(config.CacheKindUsers, c, api, 1000, 0, time.Hour, nil)

	w.syncOnce(context.Background(), "")

	u, ok, _ := c.GetUser("U1")
	if !ok {
		t.Fatal("expected user U1 cached")
	}
	if u.Email != "ada@example.com" || u.DisplayName != "ada" {
		t.Fatalf("unexpected user fields: %+v", u)
	}
	if u.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected ~1h TTL, expires at %v", u.ExpiresAt)
	}
}

func TestRateLimitResumesAtSameCursor(t *testing.T) {
	c := newCache()
	api := &fakePoster{errs: []error{&webapi.RateLimitedError{RetryAfter: 3 * time.Second}}}
	w := New(config.CacheKindUsers, c, api, 1000, 0, time.Hour, nil)

	cursor, wait := w.syncOnce(context.Background(), "abc")
	if cursor != "abc" {
		t.Fatalf("expected resume cursor unchanged, got %q", cursor)
	}
	if wait != 3*time.Second {
		t.Fatalf("expected wait = retry_after, got %v", wait)
	}
}

func TestOtherErrorDropsCursorAndPacesResumeThroughLimiter(t *testing.T) {
	c := newCache()
	api := &fakePoster{errs: []error{errors.New("boom"), errors.New("boom again")}}
	w := New(config.CacheKindUsers, c, api, 50, 0, time.Hour, nil)

	start := time.Now()
	cursor, wait := w.syncOnce(context.Background(), "abc")
	elapsed := time.Since(start)

	if cursor != "" {
		t.Fatalf("expected cursor dropped, got %q", cursor)
	}
	if wait != 0 {
		t.Fatalf("expected no additional timer wait since the resume limiter already paced it, got %v", wait)
	}
	// The resume limiter's first Wait call is satisfied by its initial
	// burst token, so this first error doesn't block; a second one would.
	if elapsed >= 50*time.Millisecond {
		t.Fatalf("expected the first resume to consume the burst token without blocking, took %v", elapsed)
	}

	start = time.Now()
	cursor, wait = w.syncOnce(context.Background(), "abc")
	elapsed = time.Since(start)
	if cursor != "" || wait != 0 {
		t.Fatalf("expected cursor still dropped with no extra wait, got cursor=%q wait=%v", cursor, wait)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected the second resume to be paced by the limiter to ~1 interval, took %v", elapsed)
	}
}

func TestPageLimitHaltsEarly(t *testing.T) {
	c := newCache()
	api := &fakePoster{responses: []webapi.Response{
		{Raw: map[string]any{
			"channels":          []any{map[string]any{"id": "C1", "name": "one"}},
			"response_metadata": map[string]any{"next_cursor": "page2"},
		}},
	}}
	w := New(config.CacheKindChannels, c, api, 1000, 1, 0, nil)

	cursor, wait := w.syncOnce(context.Background(), "")
	if cursor != "" {
		t.Fatalf("expected page_limit to halt pagination, got cursor=%q", cursor)
	}
	if wait != time.Second {
		t.Fatalf("expected full interval wait after halting, got %v", wait)
	}
}
