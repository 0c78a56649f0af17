package cache

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Member{}, &UserRow{}, &MetadataRow{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"memory":   NewMemoryBackend(),
		"external": NewGormBackend(openTestDB(t)),
	}
}

func TestJoinLeaveChannel(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			if err := c.JoinChannel("C9"); err != nil {
				t.Fatalf("JoinChannel: %v", err)
			}
			channels, err := c.Channels()
			if err != nil {
				t.Fatalf("Channels: %v", err)
			}
			if len(channels) != 1 || channels[0].ID != "C9" {
				t.Fatalf("expected [C9], got %+v", channels)
			}

			if err := c.LeaveChannel("C9"); err != nil {
				t.Fatalf("LeaveChannel: %v", err)
			}
			channels, _ = c.Channels()
			if len(channels) != 0 {
				t.Fatalf("expected no channels after leave, got %+v", channels)
			}
		})
	}
}

// TestJoinOnlyAffectsMatchingUser mirrors the spec scenario where a
// member_joined_channel event for a different user must not change
// membership.
func TestJoinOnlyAffectsMatchingUser(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			const botUserID = "U_BOT"
			applyJoin := func(eventUserID, channelID string) error {
				if eventUserID != botUserID {
					return nil
				}
				return c.JoinChannel(channelID)
			}

			if err := applyJoin("U_OTHER", "C9"); err != nil {
				t.Fatalf("applyJoin: %v", err)
			}
			channels, _ := c.Channels()
			if len(channels) != 0 {
				t.Fatalf("expected no membership change for non-bot user, got %+v", channels)
			}

			if err := applyJoin(botUserID, "C9"); err != nil {
				t.Fatalf("applyJoin: %v", err)
			}
			channels, _ = c.Channels()
			if len(channels) != 1 || channels[0].ID != "C9" {
				t.Fatalf("expected [C9] after bot join, got %+v", channels)
			}
		})
	}
}

func TestPutUserAndGetUser(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			u := User{ID: "U1", Email: "Ada@Example.com", DisplayName: "ada", RealName: "Ada Lovelace", ExpiresAt: time.Now().Add(time.Hour)}
			if err := c.PutUser(u); err != nil {
				t.Fatalf("PutUser: %v", err)
			}
			got, ok, err := c.GetUser("U1")
			if err != nil || !ok {
				t.Fatalf("GetUser: ok=%v err=%v", ok, err)
			}
			if got.Email != u.Email {
				t.Errorf("expected email %q, got %q", u.Email, got.Email)
			}
		})
	}
}

func TestUserExpiry(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			u := User{ID: "U1", ExpiresAt: time.Now().Add(-time.Minute)}
			if err := c.PutUser(u); err != nil {
				t.Fatalf("PutUser: %v", err)
			}
			_, ok, err := c.GetUser("U1")
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if ok {
				t.Error("expected expired user to be absent")
			}
			users, err := c.Users()
			if err != nil {
				t.Fatalf("Users: %v", err)
			}
			if len(users) != 0 {
				t.Errorf("expected Users() to exclude expired entries, got %+v", users)
			}
		})
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			c.PutUser(User{ID: "U1", ExpiresAt: time.Now().Add(-time.Minute)})
			c.PutUser(User{ID: "U2", ExpiresAt: time.Now().Add(time.Hour)})

			n, err := c.Sweep()
			if err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 removed, got %d", n)
			}
			if _, ok, _ := c.GetUser("U2"); !ok {
				t.Error("expected live user U2 to survive sweep")
			}
		})
	}
}

func TestFindUserCaseInsensitive(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			c.PutUser(User{ID: "U1", Email: "ada@example.com", DisplayName: "AdaL", ExpiresAt: time.Now().Add(time.Hour)})

			u, ok, err := c.FindUser("ADA@EXAMPLE.COM", "")
			if err != nil || !ok {
				t.Fatalf("FindUser by email: ok=%v err=%v", ok, err)
			}
			if u.ID != "U1" {
				t.Errorf("expected U1, got %s", u.ID)
			}

			u, ok, err = c.FindUser("", "adal")
			if err != nil || !ok {
				t.Fatalf("FindUser by name: ok=%v err=%v", ok, err)
			}
			if u.ID != "U1" {
				t.Errorf("expected U1, got %s", u.ID)
			}
		})
	}
}

func TestFindChannelStripsHash(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			if err := c.PutMetadata(map[string]any{"channels_by_id": map[string]string{"C1": "general"}}); err != nil {
				t.Fatalf("PutMetadata: %v", err)
			}
			ch, ok, err := c.FindChannel("#general")
			if err != nil || !ok {
				t.Fatalf("FindChannel: ok=%v err=%v", ok, err)
			}
			if ch.ID != "C1" {
				t.Errorf("expected C1, got %s", ch.ID)
			}
		})
	}
}

func TestPutMetadataMergesNotReplaces(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(backend, "inst", nil, nil)
			c.PutMetadata(map[string]any{"a": 1})
			c.PutMetadata(map[string]any{"b": 2})

			meta, err := c.Metadata()
			if err != nil {
				t.Fatalf("Metadata: %v", err)
			}
			// json round-trip through the gorm backend turns ints into
			// float64; compare loosely.
			if meta["a"] == nil || meta["b"] == nil {
				t.Fatalf("expected both keys present, got %+v", meta)
			}
		})
	}
}

func TestFetchUserCallsFetcherOnMiss(t *testing.T) {
	backend := NewMemoryBackend()
	calls := 0
	fetch := func(userID string) (User, error) {
		calls++
		return User{ID: userID, DisplayName: "fetched", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	c := New(backend, "inst", nil, fetch)

	u, err := c.FetchUser("U1")
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	if u.DisplayName != "fetched" || calls != 1 {
		t.Fatalf("expected one fetch call, got calls=%d user=%+v", calls, u)
	}

	// Second call should hit the cache, not the fetcher.
	if _, err := c.FetchUser("U1"); err != nil {
		t.Fatalf("FetchUser (cached): %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fetcher not called again, got %d calls", calls)
	}
}

func TestFetchUserWithoutFetcherReturnsEmpty(t *testing.T) {
	c := New(NewMemoryBackend(), "inst", nil, nil)
	u, err := c.FetchUser("U1")
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	if u.ID != "" {
		t.Errorf("expected empty User, got %+v", u)
	}
}
