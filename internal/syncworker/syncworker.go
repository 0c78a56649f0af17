// Package syncworker implements the background metadata refresh workers:
// one per enabled cache kind (channels, users), each paginating a Web API
// list endpoint on its own interval and feeding the results into the
// metadata cache.
package syncworker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/telemetry"
	"github.com/signalman-dev/signalman/internal/webapi"
)

// Poster is the subset of *webapi.Client a worker needs, so tests can
// substitute a fake.
type Poster interface {
	Post(method string, body map[string]any) (webapi.Response, error)
}

// Worker syncs one cache kind on its own interval.
type Worker struct {
	kind       config.CacheKind
	cache      *cache.Cache
	api        Poster
	intervalMS int64
	pageLimit  int
	userTTL    time.Duration
	emit       telemetry.Emitter

	pagesThisCycle int
	resume         *rate.Limiter

	mu        sync.Mutex
	lastCycle time.Time
}

// Kind reports which cache kind this worker syncs.
func (w *Worker) Kind() config.CacheKind { return w.kind }

// LastCycle reports when this worker last fetched a page, the zero value
// if it hasn't run yet.
func (w *Worker) LastCycle() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCycle
}

// New builds a Worker. userTTL is only consulted for CacheKindUsers.
func New(kind config.CacheKind, c *cache.Cache, api Poster, intervalMS int64, pageLimit int, userTTL time.Duration, emit telemetry.Emitter) *Worker {
	if emit == nil {
		emit = telemetry.Nop
	}
	if intervalMS <= 0 {
		intervalMS = 600_000
	}
	w := &Worker{kind: kind, cache: c, api: api, intervalMS: intervalMS, pageLimit: pageLimit, userTTL: userTTL, emit: emit}
	w.resume = rate.NewLimiter(rate.Every(w.interval()), 1)
	return w
}

// Run drives sync cycles until ctx is done. The first cycle starts
// immediately; subsequent cycles (or rate-limited resumes) wait the delay
// syncOnce returns.
func (w *Worker) Run(ctx context.Context) {
	cursor := ""
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			nextCursor, wait := w.syncOnce(ctx, cursor)
			cursor = nextCursor
			timer.Reset(wait)
		}
	}
}

func (w *Worker) interval() time.Duration {
	return time.Duration(w.intervalMS) * time.Millisecond
}

// syncOnce fetches one page for the current cursor and returns the cursor
// to resume at (empty means start a fresh cycle next time) plus the delay
// before the next timer fire.
func (w *Worker) syncOnce(ctx context.Context, cursor string) (string, time.Duration) {
	if cursor == "" {
		w.pagesThisCycle = 0
	}
	start := time.Now()
	w.mu.Lock()
	w.lastCycle = start
	w.mu.Unlock()
	switch w.kind {
	case config.CacheKindChannels:
		return w.syncChannelsPage(ctx, cursor, start)
	case config.CacheKindUsers:
		return w.syncUsersPage(ctx, cursor, start)
	default:
		return "", w.interval()
	}
}

func (w *Worker) syncChannelsPage(ctx context.Context, cursor string, start time.Time) (string, time.Duration) {
	body := map[string]any{"types": "public_channel,private_channel"}
	if cursor != "" {
		body["cursor"] = cursor
	}
	resp, err := w.api.Post("users.conversations", body)
	if err != nil {
		return w.handleError(ctx, err, cursor, "channels", start)
	}

	channelsByID := map[string]string{}
	count := 0
	if raw, ok := resp.Raw["channels"].([]any); ok {
		for _, item := range raw {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := row["id"].(string)
			if id == "" {
				continue
			}
			name, _ := row["name"].(string)
			if err := w.cache.JoinChannel(id); err == nil {
				channelsByID[id] = name
				count++
			}
		}
	}
	if len(channelsByID) > 0 {
		if meta, err := w.cache.Metadata(); err == nil {
			if prev, ok := meta["channels_by_id"].(map[string]string); ok {
				for id, name := range prev {
					if _, seen := channelsByID[id]; !seen {
						channelsByID[id] = name
					}
				}
			}
		}
		w.cache.PutMetadata(map[string]any{"channels_by_id": channelsByID})
	}

	return w.finishPage("channels", cursor, resp, count, start)
}

func (w *Worker) syncUsersPage(ctx context.Context, cursor string, start time.Time) (string, time.Duration) {
	body := map[string]any{}
	if cursor != "" {
		body["cursor"] = cursor
	}
	resp, err := w.api.Post("users.list", body)
	if err != nil {
		return w.handleError(ctx, err, cursor, "users", start)
	}

	count := 0
	if raw, ok := resp.Raw["members"].([]any); ok {
		for _, item := range raw {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := row["id"].(string)
			if id == "" {
				continue
			}
			email := ""
			if profile, ok := row["profile"].(map[string]any); ok {
				email, _ = profile["email"].(string)
			}
			u := cache.User{
				ID:          id,
				Email:       email,
				DisplayName: stringField(row, "name"),
				RealName:    stringField(row, "real_name"),
				Raw:         row,
				ExpiresAt:   start.Add(w.userTTL),
			}
			if w.cache.PutUser(u) == nil {
				count++
			}
		}
	}

	return w.finishPage("users", cursor, resp, count, start)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// finishPage applies the page_limit cap, emits page/cycle telemetry, and
// decides the cursor/delay to resume or restart with.
func (w *Worker) finishPage(kind, cursor string, resp webapi.Response, count int, start time.Time) (string, time.Duration) {
	w.pagesThisCycle++
	w.emit.Emit("cache_sync.page", map[string]any{"kind": kind, "status": "ok", "count": count, "duration": time.Since(start).String()})

	nextCursor := cursorFromResp(resp)
	if nextCursor == "" {
		w.emit.Emit("cache_sync.cycle", map[string]any{"kind": kind, "status": "ok", "duration": time.Since(start).String()})
		return "", w.interval()
	}
	if w.pageLimit > 0 && w.pagesThisCycle >= w.pageLimit {
		w.emit.Emit("cache_sync.page_limit_reached", map[string]any{"kind": kind, "pages": w.pagesThisCycle})
		return "", w.interval()
	}
	return nextCursor, 0
}

// handleError decides the retry cursor and delay for a failed page fetch: a
// 429 resumes at the same cursor after the advised delay; anything else
// drops the cursor and paces the restart through the resume limiter (one
// token per interval, burst 1) rather than a bare sleep, so successive
// error restarts are at least one interval apart. The first error after a
// quiet spell of one interval or more restarts at once, without waiting.
func (w *Worker) handleError(ctx context.Context, err error, cursor, kind string, start time.Time) (string, time.Duration) {
	if rle, ok := err.(*webapi.RateLimitedError); ok {
		w.emit.Emit("cache_sync.page", map[string]any{"kind": kind, "status": "rate_limited", "retry_after": rle.RetryAfter.String()})
		return cursor, rle.RetryAfter
	}
	w.emit.Emit("cache_sync.page", map[string]any{"kind": kind, "status": "error", "error": err.Error(), "duration": time.Since(start).String()})
	// Wait returns at once while the limiter holds its token, else blocks
	// until the next one (or returns early if ctx is cancelled, in which
	// case Run's own select picks up ctx.Done() next).
	w.resume.Wait(ctx)
	return "", 0
}

func cursorFromResp(resp webapi.Response) string {
	meta, ok := resp.Raw["response_metadata"].(map[string]any)
	if !ok {
		return ""
	}
	cursor, _ := meta["next_cursor"].(string)
	return cursor
}
