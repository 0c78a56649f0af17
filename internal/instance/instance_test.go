package instance

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/diagnostics"
	"github.com/signalman-dev/signalman/internal/handler"
)

// nopRoundTripper always answers ok:false so no test ever actually reaches
// Slack; Start/Stop only needs the manager to cycle through Discovering.
type nopRoundTripper struct{}

func (nopRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       http.NoBody,
		Header:     http.Header{},
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(
		config.WithName("test"),
		config.WithTokens("xapp-test", "xoxb-test"),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return cfg
}

func TestNewWiresMemoryAdaptersByDefault(t *testing.T) {
	cfg := testConfig(t)
	inst, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inst.Cache() == nil || inst.Diagnostics() == nil {
		t.Fatal("expected cache and diagnostics to be wired")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	httpClient := &http.Client{Transport: nopRoundTripper{}}
	inst, err := New(cfg, nil, WithHTTPDoer(httpClient))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	inst.Stop()
}

func TestEmitDispatchesSynthetically(t *testing.T) {
	cfg := testConfig(t)

	var mu sync.Mutex
	var gotSynthetic bool
	h := handler.Func(func(eventType string, payload map[string]any, ctx handler.Context) handler.Result {
		mu.Lock()
		gotSynthetic = ctx.Synthetic
		mu.Unlock()
		return handler.Result{Outcome: handler.Ok}
	})

	inst, err := New(cfg, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst.Emit("test.event", map[string]any{"hello": "world"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !gotSynthetic {
		t.Error("expected Emit to dispatch with Synthetic=true")
	}
}

func TestReplayDiagnosticsInvokesHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Diagnostics.Enabled = true
	cfg.Diagnostics.BufferSize = 10

	var mu sync.Mutex
	var calls int
	h := handler.Func(func(eventType string, payload map[string]any, ctx handler.Context) handler.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return handler.Result{Outcome: handler.Ok}
	})

	inst, err := New(cfg, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst.Diagnostics().Record(diagnostics.Inbound, "events_api", map[string]any{"n": 1})
	inst.Diagnostics().Record(diagnostics.Outbound, "chat.postMessage", map[string]any{"n": 2})

	count := inst.ReplayDiagnostics(diagnostics.Filters{})
	if count != 1 {
		t.Fatalf("expected 1 inbound entry replayed, got %d", count)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected handler invoked once via replay, got %d", calls)
	}
}
