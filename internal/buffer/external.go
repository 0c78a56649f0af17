package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// Record is the gorm model backing the cross-node dedupe store. The
// (namespace, key) pair is the primary key so a second Record for the same
// envelope from a different process hits a unique-constraint conflict
// instead of racing a separate read-then-write.
type Record struct {
	Namespace   string `gorm:"primaryKey"`
	Key         string `gorm:"primaryKey"`
	PayloadJSON string
	TouchedAt   time.Time
}

// TableName pins the table name regardless of struct name changes.
func (Record) TableName() string { return "event_buffer_records" }

// GormBackend is the cross-node Backend, shared by every process pointed
// at the same database. AutoMigrate(Record{}) must run once per backend
// before use.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend wraps an already-migrated *gorm.DB.
func NewGormBackend(db *gorm.DB) *GormBackend { return &GormBackend{db: db} }

// Record implements Backend. The existing row (if any) is read inside the
// same transaction that decides whether to insert or refresh, so two
// concurrent callers serialize on the row/table lock the backend's driver
// provides instead of racing a separate check-then-write.
func (g *GormBackend) Record(namespace, key string, payload map[string]any, now time.Time, ttl time.Duration) (Outcome, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Ok, fmt.Errorf("buffer: marshal payload: %w", err)
	}

	var outcome Outcome
	err = g.db.Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("namespace = ? AND key = ?", namespace, key).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			outcome = Ok
			return tx.Create(&Record{Namespace: namespace, Key: key, PayloadJSON: string(payloadJSON), TouchedAt: now}).Error
		case err != nil:
			return err
		case expired(existing.TouchedAt, ttl, now):
			outcome = Ok
			return tx.Model(&existing).Updates(map[string]interface{}{
				"payload_json": string(payloadJSON),
				"touched_at":   now,
			}).Error
		default:
			outcome = Duplicate
			return tx.Model(&existing).Update("touched_at", now).Error
		}
	})
	if err != nil {
		return Ok, fmt.Errorf("buffer: record %s/%s: %w", namespace, key, err)
	}
	return outcome, nil
}

// Seen implements Backend.
func (g *GormBackend) Seen(namespace, key string, now time.Time, ttl time.Duration) (bool, error) {
	var rec Record
	err := g.db.Where("namespace = ? AND key = ?", namespace, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("buffer: seen %s/%s: %w", namespace, key, err)
	}
	return !expired(rec.TouchedAt, ttl, now), nil
}

// Delete implements Backend.
func (g *GormBackend) Delete(namespace, key string) error {
	if err := g.db.Where("namespace = ? AND key = ?", namespace, key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("buffer: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Pending implements Backend. Expired rows found along the way are swept.
func (g *GormBackend) Pending(namespace string, now time.Time, ttl time.Duration) ([]Entry, error) {
	var records []Record
	if err := g.db.Where("namespace = ?", namespace).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("buffer: pending %s: %w", namespace, err)
	}

	entries := make([]Entry, 0, len(records))
	var expiredKeys []string
	for _, rec := range records {
		if expired(rec.TouchedAt, ttl, now) {
			expiredKeys = append(expiredKeys, rec.Key)
			continue
		}
		var payload map[string]any
		if rec.PayloadJSON != "" {
			if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
				return nil, fmt.Errorf("buffer: unmarshal payload for %s/%s: %w", namespace, rec.Key, err)
			}
		}
		entries = append(entries, Entry{Key: rec.Key, Payload: payload, TouchedAt: rec.TouchedAt})
	}
	if len(expiredKeys) > 0 {
		g.db.Where("namespace = ? AND key IN ?", namespace, expiredKeys).Delete(&Record{})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TouchedAt.Before(entries[j].TouchedAt) })
	return entries, nil
}
