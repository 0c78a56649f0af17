package socket

import (
	"encoding/json"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Frame is the decoded shape the manager dispatches on, independent of
// socketmode's own event representation.
type Frame struct {
	Type       string // "events_api", "slash_commands", "interactive", "hello", "disconnect"
	InnerType  string // event.type for events_api, interactive subtype for interactive
	EnvelopeID string
	Payload    map[string]any
}

// classify converts a socketmode.Event into a Frame. ok is false for
// connection-lifecycle events (Connecting, Connected, ConnectionError) and
// other types that carry no dispatchable envelope; hello and disconnect
// frames are returned with ok=true.
func classify(evt socketmode.Event) (Frame, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return Frame{}, false
		}
		envelopeID := ""
		if evt.Request != nil {
			envelopeID = evt.Request.EnvelopeID
		}
		return Frame{
			Type:       "events_api",
			InnerType:  apiEvent.InnerEvent.Type,
			EnvelopeID: envelopeID,
			Payload:    toPayload(apiEvent),
		}, true

	case socketmode.EventTypeSlashCommand:
		envelopeID := ""
		if evt.Request != nil {
			envelopeID = evt.Request.EnvelopeID
		}
		return Frame{
			Type:       "slash_commands",
			EnvelopeID: envelopeID,
			Payload:    toPayload(evt.Data),
		}, true

	case socketmode.EventTypeInteractive:
		envelopeID := ""
		if evt.Request != nil {
			envelopeID = evt.Request.EnvelopeID
		}
		payload := toPayload(evt.Data)
		innerType, _ := payload["type"].(string)
		return Frame{
			Type:       "interactive",
			InnerType:  innerType,
			EnvelopeID: envelopeID,
			Payload:    payload,
		}, true

	case socketmode.EventTypeDisconnect:
		return Frame{Type: "disconnect"}, true

	case socketmode.EventTypeHello:
		return Frame{Type: "hello"}, true

	default:
		return Frame{}, false
	}
}

// toPayload round-trips v through JSON so typed slack-go structs become
// the plain map[string]any shape Handler.Dispatch consumes.
func toPayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
