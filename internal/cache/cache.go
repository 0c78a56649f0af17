// Package cache implements the per-instance metadata cache: channel
// membership, user snapshots with TTL, and a freeform metadata map fed by
// the event stream and the sync worker. Like the event buffer, storage is
// pluggable behind a Backend so a deployment can share one cache across
// nodes via an external store.
package cache

import (
	"strings"
	"time"

	"github.com/signalman-dev/signalman/internal/telemetry"
)

// Channel is a resolved channel: ID always set, Name populated when the
// channels_by_id metadata (written by the sync worker) knows it.
type Channel struct {
	ID   string
	Name string
}

// User is a cached user snapshot.
type User struct {
	ID          string
	Email       string
	DisplayName string
	RealName    string
	Raw         map[string]any
	ExpiresAt   time.Time
}

func (u User) expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !u.ExpiresAt.After(now)
}

// Backend is the adapter interface a Cache delegates to. Channel names are
// not part of Backend's membership set — they live in the metadata map
// under "channels_by_id", same as the spec's CacheState.
type Backend interface {
	JoinChannel(namespace, channelID string) error
	LeaveChannel(namespace, channelID string) error
	IsMember(namespace, channelID string) (bool, error)
	MemberChannelIDs(namespace string) ([]string, error)
	PutUser(namespace string, u User) error
	DropUser(namespace, userID string) error
	PutMetadata(namespace string, merge map[string]any) error
	Users(namespace string, now time.Time) ([]User, error)
	Metadata(namespace string) (map[string]any, error)
	GetUser(namespace, userID string, now time.Time) (User, bool, error)
	Sweep(namespace string, now time.Time) (int, error)
}

// Fetcher issues a users.info call for a cache miss/stale hit. The instance
// wires this to the Web API client; the cache package itself never talks
// to the network.
type Fetcher func(userID string) (User, error)

// Cache is the per-instance metadata store. All mutating calls funnel
// through the backend's own serialization, giving reads the single-writer
// guarantee the spec requires: no caller ever observes a torn write.
type Cache struct {
	backend   Backend
	namespace string
	emit      telemetry.Emitter
	fetch     Fetcher
}

// New builds a Cache over backend, scoped to namespace. fetch may be nil;
// FetchUser then behaves like GetUser and never calls out.
func New(backend Backend, namespace string, emit telemetry.Emitter, fetch Fetcher) *Cache {
	if emit == nil {
		emit = telemetry.Nop
	}
	return &Cache{backend: backend, namespace: namespace, emit: emit, fetch: fetch}
}

// JoinChannel records channelID as a channel the bot belongs to.
func (c *Cache) JoinChannel(channelID string) error {
	if channelID == "" {
		return nil
	}
	if err := c.backend.JoinChannel(c.namespace, channelID); err != nil {
		return err
	}
	c.emit.Emit("cache.join_channel", map[string]any{"channel": channelID})
	return nil
}

// LeaveChannel removes channelID from the bot's membership set.
func (c *Cache) LeaveChannel(channelID string) error {
	if channelID == "" {
		return nil
	}
	if err := c.backend.LeaveChannel(c.namespace, channelID); err != nil {
		return err
	}
	c.emit.Emit("cache.leave_channel", map[string]any{"channel": channelID})
	return nil
}

// PutUser inserts or replaces a user snapshot.
func (c *Cache) PutUser(u User) error {
	if u.ID == "" {
		return nil
	}
	if err := c.backend.PutUser(c.namespace, u); err != nil {
		return err
	}
	c.emit.Emit("cache.put_user", map[string]any{"user": u.ID})
	return nil
}

// DropUser removes a user's snapshot outright.
func (c *Cache) DropUser(userID string) error {
	if userID == "" {
		return nil
	}
	return c.backend.DropUser(c.namespace, userID)
}

// PutMetadata merges fields into the metadata map. Existing keys not named
// in merge are left untouched; metadata is never wholesale replaced. The
// sync worker uses this to publish "channels_by_id" (map[string]string),
// re-reading and re-merging the accumulated map itself on each pass.
func (c *Cache) PutMetadata(merge map[string]any) error {
	if len(merge) == 0 {
		return nil
	}
	return c.backend.PutMetadata(c.namespace, merge)
}

// Channels returns every channel the bot currently belongs to, with Name
// resolved from metadata's channels_by_id where known.
func (c *Cache) Channels() ([]Channel, error) {
	ids, err := c.backend.MemberChannelIDs(c.namespace)
	if err != nil {
		return nil, err
	}
	byID, err := c.channelsByID()
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(ids))
	for _, id := range ids {
		out = append(out, Channel{ID: id, Name: byID[id]})
	}
	return out, nil
}

// Users returns every live (non-expired) user snapshot.
func (c *Cache) Users() ([]User, error) {
	return c.backend.Users(c.namespace, time.Now())
}

// Metadata returns the full merged metadata map.
func (c *Cache) Metadata() (map[string]any, error) {
	return c.backend.Metadata(c.namespace)
}

// GetUser returns a live user snapshot by ID.
func (c *Cache) GetUser(userID string) (User, bool, error) {
	return c.backend.GetUser(c.namespace, userID, time.Now())
}

// GetChannel reports whether channelID is a member channel, resolving its
// name if known.
func (c *Cache) GetChannel(channelID string) (Channel, bool, error) {
	member, err := c.backend.IsMember(c.namespace, channelID)
	if err != nil {
		return Channel{}, false, err
	}
	if !member {
		return Channel{}, false, nil
	}
	byID, err := c.channelsByID()
	if err != nil {
		return Channel{}, false, err
	}
	return Channel{ID: channelID, Name: byID[channelID]}, true, nil
}

// FindUser looks up a user by email or display name. Exactly one of byEmail
// or byName should be non-empty; both are matched case-insensitively.
func (c *Cache) FindUser(byEmail, byName string) (User, bool, error) {
	users, err := c.backend.Users(c.namespace, time.Now())
	if err != nil {
		return User{}, false, err
	}
	if byEmail != "" {
		target := strings.ToLower(byEmail)
		for _, u := range users {
			if strings.ToLower(u.Email) == target {
				return u, true, nil
			}
		}
	}
	if byName != "" {
		target := strings.ToLower(byName)
		for _, u := range users {
			if strings.ToLower(u.DisplayName) == target || strings.ToLower(u.RealName) == target {
				return u, true, nil
			}
		}
	}
	return User{}, false, nil
}

// FindChannel looks up a channel by name among channels the sync worker has
// resolved, stripping a single leading '#' from the query. It searches the
// full channels_by_id index, not just current membership.
func (c *Cache) FindChannel(byName string) (Channel, bool, error) {
	byName = strings.TrimPrefix(byName, "#")
	if byName == "" {
		return Channel{}, false, nil
	}
	byID, err := c.channelsByID()
	if err != nil {
		return Channel{}, false, err
	}
	for id, name := range byID {
		if strings.TrimPrefix(name, "#") == byName {
			return Channel{ID: id, Name: name}, true, nil
		}
	}
	return Channel{}, false, nil
}

func (c *Cache) channelsByID() (map[string]string, error) {
	meta, err := c.backend.Metadata(c.namespace)
	if err != nil {
		return nil, err
	}
	byID, _ := meta["channels_by_id"].(map[string]string)
	return byID, nil
}

// FetchUser consults the cache first; on a miss or expired entry it calls
// out through Fetcher (if configured) and re-inserts the result.
func (c *Cache) FetchUser(userID string) (User, error) {
	if u, ok, err := c.GetUser(userID); err != nil {
		return User{}, err
	} else if ok {
		return u, nil
	}
	if c.fetch == nil {
		return User{}, nil
	}
	u, err := c.fetch(userID)
	if err != nil {
		return User{}, err
	}
	if err := c.PutUser(u); err != nil {
		return User{}, err
	}
	c.emit.Emit("cache.fetch_user", map[string]any{"user": userID})
	return u, nil
}

// Sweep removes every user entry with expires_at <= now. The janitor calls
// this on its cleanup_interval_ms cadence.
func (c *Cache) Sweep() (int, error) {
	n, err := c.backend.Sweep(c.namespace, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.emit.Emit("cache.sweep", map[string]any{"removed": n})
	}
	return n, nil
}
