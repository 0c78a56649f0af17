package tier

import "time"

// ScopeKind selects how a method's bucket key is scoped beyond its group.
type ScopeKind int

const (
	// ScopeNone buckets a method across the whole workspace.
	ScopeNone ScopeKind = iota
	// ScopeChannel buckets per-channel, keyed by body[Field] (fallback
	// "workspace" when the field is absent).
	ScopeChannel
)

// Spec is the bootstrapped tier definition for one Slack Web API method.
type Spec struct {
	// Group buckets several methods together (e.g. all Tier 3 methods
	// share one bucket) when non-empty; otherwise the method name itself
	// is the bucket group.
	Group string
	// MaxCalls is the bucket capacity before BurstRatio is applied.
	MaxCalls int
	// RefillInterval is how long it takes to regenerate one token.
	RefillInterval time.Duration
	// Scope selects per-channel vs workspace-wide bucketing.
	Scope ScopeKind
	// ScopeField is the body field read when Scope is ScopeChannel.
	ScopeField string
	// InitialFillRatio sets a bucket's starting tokens as a fraction of
	// capacity; defaults to 1 (full) when zero.
	InitialFillRatio float64
	// BurstRatio extends capacity beyond MaxCalls; defaults to 1 (no
	// extension) when zero.
	BurstRatio float64
}

func (s Spec) capacity() float64 {
	ratio := s.BurstRatio
	if ratio <= 0 {
		ratio = 1
	}
	return float64(s.MaxCalls) * ratio
}

func (s Spec) initialTokens() float64 {
	ratio := s.InitialFillRatio
	if ratio <= 0 {
		ratio = 1
	}
	return s.capacity() * ratio
}

// DefaultRegistry returns the bootstrapped method -> Spec table covering
// Slack's documented Tier 1-4 rate limits plus per-method special cases.
// Callers may override any entry before passing the registry to New.
func DefaultRegistry() map[string]Spec {
	tier := func(group string, maxCalls int, window time.Duration) Spec {
		calls := maxCalls
		if calls <= 0 {
			calls = 1
		}
		return Spec{Group: group, MaxCalls: maxCalls, RefillInterval: window / time.Duration(calls)}
	}

	reg := map[string]Spec{
		// Tier 1: ~1+ calls/minute.
		"admin.apps.approve":  tier("tier1", 1, time.Minute),
		"admin.apps.restrict": tier("tier1", 1, time.Minute),
		"admin.users.remove":  tier("tier1", 1, time.Minute),

		// Tier 2: ~20 calls/minute.
		"conversations.create":  tier("tier2", 20, time.Minute),
		"conversations.archive": tier("tier2", 20, time.Minute),
		"conversations.invite":  tier("tier2", 20, time.Minute),
		"conversations.kick":    tier("tier2", 20, time.Minute),
		"conversations.rename":  tier("tier2", 20, time.Minute),
		"users.profile.set":     tier("tier2", 20, time.Minute),
		"usergroups.create":     tier("tier2", 20, time.Minute),
		"usergroups.update":     tier("tier2", 20, time.Minute),

		// Tier 3: ~50 calls/minute.
		"conversations.history": tier("tier3", 50, time.Minute),
		"conversations.replies": tier("tier3", 50, time.Minute),
		"conversations.info":    tier("tier3", 50, time.Minute),
		"conversations.members": tier("tier3", 50, time.Minute),
		"reactions.add":         tier("tier3", 50, time.Minute),
		"reactions.remove":      tier("tier3", 50, time.Minute),
		"users.info":            tier("tier3", 50, time.Minute),

		// Tier 4: ~100 calls/minute.
		"conversations.list": tier("tier4", 100, time.Minute),
		"users.list":         tier("tier4", 100, time.Minute),
		"team.info":          tier("tier4", 100, time.Minute),
		"auth.test":          tier("tier4", 100, time.Minute),

		// Special case: chat.postMessage, chat.update and chat.delete share
		// one bucket limited to 1 call/sec per channel, not a workspace-wide
		// tier bucket.
		"chat.postMessage": {
			Group:      "chat.postMessage",
			MaxCalls:   1,
			RefillInterval: time.Second,
			Scope:      ScopeChannel,
			ScopeField: "channel",
		},
		"chat.update": {
			Group:      "chat.postMessage",
			MaxCalls:   1,
			RefillInterval: time.Second,
			Scope:      ScopeChannel,
			ScopeField: "channel",
		},
		"chat.delete": {
			Group:      "chat.postMessage",
			MaxCalls:   1,
			RefillInterval: time.Second,
			Scope:      ScopeChannel,
			ScopeField: "channel",
		},

		// Socket Mode's own handshake call; generous since it's only
		// invoked on connect/reconnect.
		"apps.connections.open": tier("connections_open", 10, time.Minute),
	}
	return reg
}
