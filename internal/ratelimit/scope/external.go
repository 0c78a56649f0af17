package scope

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StateRow is the gorm model backing cross-node scope state. Every Limiter
// using this adapter reads and writes both columns: blocked_until pauses
// the scope after a 429, and in_flight gates admission, so a call in flight
// on one node holds back the same scope on the others. Each node's queue of
// waiting calls stays local to its own Limiter.
type StateRow struct {
	Key          string `gorm:"primaryKey"`
	BlockedUntil time.Time
	InFlight     int
}

// TableName pins the table name regardless of struct name changes.
func (StateRow) TableName() string { return "scope_limiter_state" }

// GormAdapter is the cross-node Adapter. AutoMigrate(StateRow{}) must run
// once before use.
type GormAdapter struct {
	db *gorm.DB
}

// NewGormAdapter wraps an already-migrated *gorm.DB.
func NewGormAdapter(db *gorm.DB) *GormAdapter { return &GormAdapter{db: db} }

func (g *GormAdapter) row(key string) (StateRow, error) {
	var row StateRow
	err := g.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateRow{Key: key}, nil
	}
	return row, err
}

// BlockedUntil implements Adapter.
func (g *GormAdapter) BlockedUntil(key string) (time.Time, error) {
	row, err := g.row(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("scope: blocked_until %s: %w", key, err)
	}
	return row.BlockedUntil, nil
}

// SetBlockedUntil implements Adapter.
func (g *GormAdapter) SetBlockedUntil(key string, until time.Time) error {
	err := g.db.Where("key = ?", key).Assign(StateRow{BlockedUntil: until}).FirstOrCreate(&StateRow{Key: key}).Error
	if err != nil {
		return fmt.Errorf("scope: set_blocked_until %s: %w", key, err)
	}
	return nil
}

// InFlight implements Adapter.
func (g *GormAdapter) InFlight(key string) (int, error) {
	row, err := g.row(key)
	if err != nil {
		return 0, fmt.Errorf("scope: in_flight %s: %w", key, err)
	}
	return row.InFlight, nil
}

// SetInFlight implements Adapter.
func (g *GormAdapter) SetInFlight(key string, n int) error {
	err := g.db.Where("key = ?", key).Assign(StateRow{InFlight: n}).FirstOrCreate(&StateRow{Key: key}).Error
	if err != nil {
		return fmt.Errorf("scope: set_in_flight %s: %w", key, err)
	}
	return nil
}
