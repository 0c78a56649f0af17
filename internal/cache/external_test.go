package cache

import (
	"testing"
	"time"
)

func TestGormBackendSharedMembershipAcrossInstances(t *testing.T) {
	db := openTestDB(t)
	backend := NewGormBackend(db)

	nodeA := New(backend, "fleet", nil, nil)
	nodeB := New(backend, "fleet", nil, nil)

	if err := nodeA.JoinChannel("C1"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	channels, err := nodeB.Channels()
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "C1" {
		t.Fatalf("expected node B to see node A's membership, got %+v", channels)
	}
}

func TestGormBackendPutUserUpsertsNotDuplicates(t *testing.T) {
	db := openTestDB(t)
	backend := NewGormBackend(db)
	c := New(backend, "inst", nil, nil)

	u := User{ID: "U1", Email: "a@example.com", ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.PutUser(u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	u.Email = "b@example.com"
	if err := c.PutUser(u); err != nil {
		t.Fatalf("PutUser (update): %v", err)
	}

	var count int64
	if err := db.Model(&UserRow{}).Where("namespace = ? AND user_id = ?", "inst", "U1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row after upsert, got %d", count)
	}

	got, ok, err := c.GetUser("U1")
	if err != nil || !ok {
		t.Fatalf("GetUser: ok=%v err=%v", ok, err)
	}
	if got.Email != "b@example.com" {
		t.Errorf("expected updated email, got %q", got.Email)
	}
}
