// Package health implements the periodic auth.test probe that watches a
// live Socket Mode connection and forces a reconnect when Slack stops
// answering, independent of whatever the socket itself is doing.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
	"github.com/signalman-dev/signalman/internal/webapi"
)

var fatalAuthCodes = map[string]bool{
	"invalid_auth":     true,
	"account_inactive": true,
	"not_authed":       true,
}

// minFailureBackoff is the floor reschedule delay after a non-rate-limited,
// non-fatal probe failure.
const minFailureBackoff = 15 * time.Second

// Status is the monitor's last-observed probe outcome.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusRateLimited
	StatusFatal
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRateLimited:
		return "rate_limited"
	case StatusFatal:
		return "fatal"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Prober performs one auth.test call.
type Prober func() (webapi.Response, error)

// Reconnector is the subset of the connection manager the monitor needs.
type Reconnector interface {
	ForceReconnect(reason string)
}

// Monitor runs Prober on a timer, rescheduling itself per the probe
// outcome and forcing the connection manager to reconnect on an
// unclassified failure.
type Monitor struct {
	probe      Prober
	reconnect  Reconnector
	intervalMS int64
	emit       telemetry.Emitter

	mu     sync.Mutex
	status Status
}

// New builds a Monitor. reconnect may be nil (probe failures are then only
// reported via telemetry, never acted on).
func New(probe Prober, reconnect Reconnector, intervalMS int64, emit telemetry.Emitter) *Monitor {
	if emit == nil {
		emit = telemetry.Nop
	}
	if intervalMS <= 0 {
		intervalMS = 30_000
	}
	return &Monitor{probe: probe, reconnect: reconnect, intervalMS: intervalMS, emit: emit}
}

// Status reports the last probe's classification.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run probes on its own schedule until ctx is done. Exactly one probe is
// ever in flight: the timer is only rearmed once probeOnce returns.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(m.probeOnce())
		}
	}
}

func (m *Monitor) interval() time.Duration {
	return time.Duration(m.intervalMS) * time.Millisecond
}

// probeOnce runs one auth.test and returns the delay before the next one.
func (m *Monitor) probeOnce() time.Duration {
	interval := m.interval()
	_, err := m.probe()
	if err == nil {
		m.setStatus(StatusOK)
		m.emit.Emit("health.probe", map[string]any{"status": StatusOK.String()})
		return interval
	}

	if rle, ok := err.(*webapi.RateLimitedError); ok {
		m.setStatus(StatusRateLimited)
		m.emit.Emit("health.probe", map[string]any{"status": StatusRateLimited.String(), "retry_after": rle.RetryAfter.String()})
		if rle.RetryAfter > interval {
			return rle.RetryAfter
		}
		return interval
	}

	if se, ok := err.(*webapi.SlackError); ok && fatalAuthCodes[se.Code] {
		m.setStatus(StatusFatal)
		m.emit.Emit("health.probe", map[string]any{"status": StatusFatal.String(), "code": se.Code})
		return interval * 10
	}

	m.setStatus(StatusFailed)
	m.emit.Emit("health.probe", map[string]any{"status": StatusFailed.String(), "error": err.Error()})
	if m.reconnect != nil {
		m.reconnect.ForceReconnect("healthcheck_failed")
	}
	if interval > minFailureBackoff {
		return interval
	}
	return minFailureBackoff
}
