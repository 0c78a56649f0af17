// Package socket implements the Socket Mode connection manager: identity
// discovery, the duplex transport (via slack-go's socketmode client),
// reconnect backoff, and the inbound dispatch pipeline that feeds the
// event buffer, cache, diagnostics, and the host's Handler.
package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalman-dev/signalman/internal/buffer"
	"github.com/signalman-dev/signalman/internal/cache"
	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/diagnostics"
	"github.com/signalman-dev/signalman/internal/handler"
	"github.com/signalman-dev/signalman/internal/telemetry"
	"github.com/signalman-dev/signalman/internal/webapi"

	"github.com/slack-go/slack/socketmode"
)

// State is one phase of the connection manager's lifecycle.
type State int

const (
	Idle State = iota
	Discovering
	Dialing
	Connected
	Reconnecting
	FatalAuth
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case FatalAuth:
		return "fatal_auth"
	default:
		return "idle"
	}
}

var fatalAuthCodes = map[string]bool{
	"invalid_auth":    true,
	"account_inactive": true,
	"not_authed":      true,
}

// Manager owns the connection state machine and the inbound dispatch
// pipeline for one instance.
type Manager struct {
	cfg     *config.Config
	webapi  *webapi.Client
	buf     *buffer.EventBuffer
	cache   *cache.Cache
	diag    *diagnostics.Buffer
	handler handler.Handler
	emit    telemetry.Emitter

	newClient func() Client

	mu        sync.Mutex
	state     State
	botUserID string
	attempt   int
	stopped   bool
	restart   chan string
}

// New builds a Manager. newClient is called once per Dialing attempt.
func New(cfg *config.Config, webapiClient *webapi.Client, buf *buffer.EventBuffer, c *cache.Cache, diag *diagnostics.Buffer, h handler.Handler, newClient func() Client, emit telemetry.Emitter) *Manager {
	if emit == nil {
		emit = telemetry.Nop
	}
	return &Manager{
		cfg:       cfg,
		webapi:    webapiClient,
		buf:       buf,
		cache:     c,
		diag:      diag,
		handler:   h,
		newClient: newClient,
		emit:      emit,
		restart:   make(chan string, 1),
	}
}

// ForceReconnect requests the current connection be torn down and
// re-dialed, without waiting for a disconnect frame from Slack. The health
// monitor calls this when a probe fails outside the rate-limited/fatal
// cases. A no-op when not currently connected.
func (m *Manager) ForceReconnect(reason string) {
	if m.State() != Connected {
		return
	}
	select {
	case m.restart <- reason:
	default:
	}
}

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BotUserID returns the identity discovered on the last successful
// auth.test, empty until then.
func (m *Manager) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emit.Emit("connection_manager.state", map[string]any{"state": s.String()})
}

// Stop requests the run loop exit at its next opportunity.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Run drives the Idle -> Discovering -> Dialing -> Connected cycle,
// reconnecting with backoff on failure, until ctx is cancelled, Stop is
// called, FatalAuth is reached, or max_attempts is exhausted.
func (m *Manager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || m.isStopped() {
			return
		}

		m.setState(Discovering)
		botUserID, err := m.discoverIdentity()
		if err != nil {
			if rle, ok := err.(*webapi.RateLimitedError); ok {
				m.emit.Emit("connection_manager.auth_rate_limited", map[string]any{"retry_after": rle.RetryAfter.String()})
				if !m.sleep(ctx, rle.RetryAfter) {
					return
				}
				continue
			}
			if se, ok := err.(*webapi.SlackError); ok && fatalAuthCodes[se.Code] {
				m.setState(FatalAuth)
				return
			}
			if !m.backoffAndRetry(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.botUserID = botUserID
		m.mu.Unlock()

		m.setState(Dialing)
		if !m.dialAndServe(ctx) {
			return
		}

		m.setState(Reconnecting)
		if !m.backoffAndRetry(ctx) {
			return
		}
	}
}

func (m *Manager) discoverIdentity() (string, error) {
	resp, err := m.webapi.Post("auth.test", map[string]any{})
	if err != nil {
		return "", err
	}
	id, _ := resp.Raw["user_id"].(string)
	return id, nil
}

// dialAndServe starts the socketmode transport and serves its events
// until disconnect or a run error. It returns false when ctx is done or
// Stop was called, signaling Run should exit rather than reconnect.
func (m *Manager) dialAndServe(ctx context.Context) bool {
	client := m.newClient()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.RunContext(runCtx) }()

	go func() {
		select {
		case reason := <-m.restart:
			m.emit.Emit("connection_manager.forced_reconnect", map[string]any{"reason": reason})
			cancel()
		case <-runCtx.Done():
		}
	}()

	m.serveEvents(runCtx, client)
	<-runErr

	return ctx.Err() == nil && !m.isStopped()
}

func (m *Manager) serveEvents(ctx context.Context, client Client) {
	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type == socketmode.EventTypeConnected {
				m.setState(Connected)
				m.mu.Lock()
				m.attempt = 0
				m.mu.Unlock()
				continue
			}
			frame, dispatchable := classify(evt)
			if !dispatchable {
				continue
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
			if frame.Type == "disconnect" {
				return
			}
			if frame.Type == "hello" || frame.Type == "ping" {
				continue
			}
			m.dispatch(frame, false)
		}
	}
}

// dispatch implements the manager-dispatch steps: dedupe, diagnostics
// record, cache side effect, then a spawned Handler.Dispatch call.
// Synthetic bypasses the event buffer dedupe, for replayed/injected
// entries that never had a wire envelope_id.
func (m *Manager) dispatch(frame Frame, synthetic bool) {
	if !synthetic && frame.EnvelopeID != "" {
		outcome, err := m.buf.Record(frame.EnvelopeID, frame.Payload)
		if err == nil && outcome == buffer.Duplicate {
			m.emit.Emit("handler.ingress", map[string]any{"envelope_id": frame.EnvelopeID, "decision": "duplicate", "type": frame.Type})
			return
		}
	}
	m.emit.Emit("handler.ingress", map[string]any{"envelope_id": frame.EnvelopeID, "decision": "queue", "type": frame.Type})
	m.diag.Record(diagnostics.Inbound, frame.Type, frame.Payload)

	m.applyCacheSideEffect(frame)

	dispatchType := frame.InnerType
	if dispatchType == "" {
		dispatchType = frame.Type
	}
	go m.runHandler(dispatchType, frame, synthetic)
}

func (m *Manager) applyCacheSideEffect(frame Frame) {
	if frame.Type != "events_api" || m.cache == nil {
		return
	}
	fields := frame.Payload
	if inner, ok := frame.Payload["event"].(map[string]any); ok {
		fields = inner
	}
	botUserID := m.BotUserID()

	switch frame.InnerType {
	case "member_joined_channel", "channel_joined":
		user, _ := fields["user"].(string)
		channel, _ := fields["channel"].(string)
		if user == botUserID && channel != "" {
			m.cache.JoinChannel(channel)
		}
	case "channel_left":
		user, _ := fields["user"].(string)
		channel, _ := fields["channel"].(string)
		if user == botUserID && channel != "" {
			m.cache.LeaveChannel(channel)
		}
	case "team_join", "user_change":
		userObj, _ := fields["user"].(map[string]any)
		if userObj == nil {
			return
		}
		id, _ := userObj["id"].(string)
		if id == "" {
			return
		}
		email, _ := userProfileString(userObj, "email")
		m.cache.PutUser(cache.User{
			ID:          id,
			Email:       email,
			DisplayName: stringField(userObj, "name"),
			RealName:    stringField(userObj, "real_name"),
			Raw:         userObj,
		})
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func userProfileString(userObj map[string]any, key string) (string, bool) {
	profile, ok := userObj["profile"].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := profile[key].(string)
	return s, ok
}

// runHandler invokes Handler.Dispatch in its own goroutine and turns a
// panic into an exception-status telemetry event instead of crashing the
// process.
func (m *Manager) runHandler(dispatchType string, frame Frame, synthetic bool) {
	start := time.Now()
	hctx := handler.Context{
		InstanceName: m.cfg.Name,
		EnvelopeID:   frame.EnvelopeID,
		Synthetic:    synthetic,
		Assigns:      map[string]any{},
		Context:      context.Background(),
	}

	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "exception"
			m.emit.Emit("handler.dispatch", map[string]any{
				"type": dispatchType, "status": status, "panic": fmt.Sprint(r),
				"duration": time.Since(start).String(),
			})
			return
		}
	}()

	if m.handler == nil {
		return
	}
	result := m.handler.Dispatch(dispatchType, frame.Payload, hctx)
	switch result.Outcome {
	case handler.Error:
		status = "error"
	case handler.Halted:
		status = "halted"
	}
	m.emit.Emit("handler.dispatch", map[string]any{"type": dispatchType, "status": status, "duration": time.Since(start).String()})
}

// Dispatch is the entry point diagnostics Replay (and tests) use to
// re-inject an inbound entry through the normal path, bypassing ack/dedupe.
func (m *Manager) Dispatch(entry diagnostics.Entry) {
	m.dispatch(Frame{Type: entry.Type, Payload: entry.Payload}, true)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// backoffAndRetry waits the next reconnect delay, incrementing attempt,
// and reports whether the caller should keep looping (false means
// max_attempts was exhausted or the context ended).
func (m *Manager) backoffAndRetry(ctx context.Context) bool {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if exhausted(m.cfg.Backoff, attempt) {
		m.emit.Emit("connection_manager.attempts_exhausted", map[string]any{"attempt": attempt})
		return false
	}
	delay := nextDelay(m.cfg.Backoff, attempt)
	m.emit.Emit("connection_manager.reconnect_wait", map[string]any{"attempt": attempt, "delay": delay.String()})
	return m.sleep(ctx, delay)
}
