package socket

import (
	"context"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// Client abstracts the Socket Mode transport, so the manager's state
// machine can be driven against a fake in tests instead of a live
// websocket connection.
type Client interface {
	RunContext(ctx context.Context) error
	Events() <-chan socketmode.Event
	Ack(req socketmode.Request, payload ...any)
}

// realClient wraps *socketmode.Client.
type realClient struct {
	client *socketmode.Client
}

// NewRealClient builds a Client backed by slack-go's Socket Mode
// implementation. socketmode makes its own internal REST calls
// (auth.test, apps.connections.open) to establish and maintain the duplex
// connection; the manager performs its own, separately rate-limited
// auth.test call for identity discovery, so that call alone goes through
// the tier/scope limiters as the spec requires.
func NewRealClient(botToken, appToken string) Client {
	api := slackapi.New(botToken, slackapi.OptionAppLevelToken(appToken))
	return &realClient{client: socketmode.New(api)}
}

func (r *realClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realClient) Events() <-chan socketmode.Event       { return r.client.Events }
func (r *realClient) Ack(req socketmode.Request, payload ...any) {
	r.client.Ack(req, payload...)
}
