// Package webapi implements the Slack Web API client: every outbound call
// acquires the tier limiter, then the scope limiter, then performs the
// HTTP POST, with no internal retry — rate limiting, whether signaled by
// an HTTP 429 or a body-level ok:false/error:"ratelimited", suspends the
// tier bucket and is returned to the caller as an error.
package webapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/signalman-dev/signalman/internal/ratelimit/scope"
	"github.com/signalman-dev/signalman/internal/ratelimit/tier"
	"github.com/signalman-dev/signalman/internal/telemetry"
)

const defaultBaseURL = "https://slack.com/api/"

// defaultRetryAfter is used when a 429 response names no delay at all.
const defaultRetryAfter = time.Second

// Response is a successful Web API call's decoded body.
type Response struct {
	Raw map[string]any
}

// RateLimitedError is returned when Slack responds 429. The tier bucket
// has already been Suspended with RetryAfter by the time this is returned.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("webapi: rate limited, retry after %s", e.RetryAfter)
}

// SlackError is returned when the response decodes with ok=false.
type SlackError struct {
	Code string
}

func (e *SlackError) Error() string { return fmt.Sprintf("webapi: slack error %q", e.Code) }

// TransportError wraps a network/transport-level failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("webapi: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPDoer is the subset of *http.Client the Client needs, so tests can
// substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the per-instance Web API client.
type Client struct {
	httpClient HTTPDoer
	baseURL    string
	botToken   string
	appToken   string
	tier       *tier.Limiter
	scope      *scope.Limiter
	emit       telemetry.Emitter
}

// New builds a Client. httpClient may be nil to use http.DefaultClient.
func New(botToken, appToken string, tierLimiter *tier.Limiter, scopeLimiter *scope.Limiter, httpClient HTTPDoer, emit telemetry.Emitter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if emit == nil {
		emit = telemetry.Nop
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    defaultBaseURL,
		botToken:   botToken,
		appToken:   appToken,
		tier:       tierLimiter,
		scope:      scopeLimiter,
		emit:       emit,
	}
}

// token selects the credential method requires. apps.connections.open is
// the one call authenticated with the app-level token; everything else
// uses the bot token.
func (c *Client) token(method string) string {
	if method == "apps.connections.open" {
		return c.appToken
	}
	return c.botToken
}

// Post performs one Web API call, routed through the tier and scope
// limiters in that order. Ok is decided by the response body's ok=true
// field, never by HTTP status alone.
func (c *Client) Post(method string, body map[string]any) (Response, error) {
	if err := c.tier.Acquire(method, body); err != nil {
		return Response{}, err
	}

	var response Response
	var outErr error

	_, _ = c.scope.AroundRequest(method, body, func() (scope.Result, error) {
		resp, rawBody, httpErr := c.do(method, body)
		if httpErr != nil {
			outErr = &TransportError{Err: httpErr}
			return scope.Result{}, outErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := retryDelay(rawBody, resp.Header)
			c.tier.Suspend(method, body, delay)
			outErr = &RateLimitedError{RetryAfter: delay}
			c.emit.Emit("webapi.rate_limited", map[string]any{"method": method, "retry_after": delay.String()})
			return scope.Result{RateLimited: true, RetryAfter: delay}, outErr
		}

		var decoded map[string]any
		if len(rawBody) > 0 {
			if err := json.Unmarshal(rawBody, &decoded); err != nil {
				outErr = &TransportError{Err: fmt.Errorf("decode response: %w", err)}
				return scope.Result{}, outErr
			}
		}
		if ok, _ := decoded["ok"].(bool); !ok {
			code, _ := decoded["error"].(string)
			if code == "ratelimited" {
				delay := retryDelay(rawBody, resp.Header)
				c.tier.Suspend(method, body, delay)
				outErr = &RateLimitedError{RetryAfter: delay}
				c.emit.Emit("webapi.rate_limited", map[string]any{"method": method, "retry_after": delay.String(), "via": "body"})
				return scope.Result{RateLimited: true, RetryAfter: delay}, outErr
			}
			outErr = &SlackError{Code: code}
			return scope.Result{}, outErr
		}

		response = Response{Raw: decoded}
		c.emit.Emit("webapi.ok", map[string]any{"method": method})
		return scope.Result{}, nil
	})

	return response, outErr
}

func (c *Client) do(method string, body map[string]any) (*http.Response, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+method, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token(method))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, raw, nil
}

// retryDelay extracts the 429 backoff in order: response-body retry_after,
// else the Retry-After header, else defaultRetryAfter.
func retryDelay(rawBody []byte, header http.Header) time.Duration {
	if len(rawBody) > 0 {
		var decoded struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if err := json.Unmarshal(rawBody, &decoded); err == nil && decoded.RetryAfter > 0 {
			return time.Duration(decoded.RetryAfter * float64(time.Second))
		}
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
