package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Member is the gorm model backing channel membership.
type Member struct {
	Namespace string `gorm:"primaryKey"`
	ChannelID string `gorm:"primaryKey"`
}

// TableName pins the table name regardless of struct name changes.
func (Member) TableName() string { return "cache_members" }

// UserRow is the gorm model backing a user snapshot.
type UserRow struct {
	Namespace   string `gorm:"primaryKey"`
	UserID      string `gorm:"primaryKey"`
	Email       string
	DisplayName string
	RealName    string
	RawJSON     string
	ExpiresAt   time.Time
}

// TableName pins the table name regardless of struct name changes.
func (UserRow) TableName() string { return "cache_users" }

// MetadataRow is one key of the metadata map, stored as JSON so arbitrary
// values round-trip without a fixed schema.
type MetadataRow struct {
	Namespace string `gorm:"primaryKey"`
	Key       string `gorm:"primaryKey"`
	ValueJSON string
}

// TableName pins the table name regardless of struct name changes.
func (MetadataRow) TableName() string { return "cache_metadata" }

// GormBackend is the cross-node Backend, shared by every process pointed
// at the same database. AutoMigrate(Member{}, UserRow{}, MetadataRow{})
// must run once per backend before use.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend wraps an already-migrated *gorm.DB.
func NewGormBackend(db *gorm.DB) *GormBackend { return &GormBackend{db: db} }

// JoinChannel implements Backend.
func (g *GormBackend) JoinChannel(namespace, channelID string) error {
	err := g.db.Where("namespace = ? AND channel_id = ?", namespace, channelID).
		FirstOrCreate(&Member{Namespace: namespace, ChannelID: channelID}).Error
	if err != nil {
		return fmt.Errorf("cache: join %s/%s: %w", namespace, channelID, err)
	}
	return nil
}

// LeaveChannel implements Backend.
func (g *GormBackend) LeaveChannel(namespace, channelID string) error {
	if err := g.db.Where("namespace = ? AND channel_id = ?", namespace, channelID).Delete(&Member{}).Error; err != nil {
		return fmt.Errorf("cache: leave %s/%s: %w", namespace, channelID, err)
	}
	return nil
}

// IsMember implements Backend.
func (g *GormBackend) IsMember(namespace, channelID string) (bool, error) {
	var count int64
	err := g.db.Model(&Member{}).Where("namespace = ? AND channel_id = ?", namespace, channelID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("cache: is_member %s/%s: %w", namespace, channelID, err)
	}
	return count > 0, nil
}

// MemberChannelIDs implements Backend.
func (g *GormBackend) MemberChannelIDs(namespace string) ([]string, error) {
	var members []Member
	if err := g.db.Where("namespace = ?", namespace).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("cache: member_channel_ids %s: %w", namespace, err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ChannelID
	}
	return ids, nil
}

// PutUser implements Backend.
func (g *GormBackend) PutUser(namespace string, u User) error {
	rawJSON, err := json.Marshal(u.Raw)
	if err != nil {
		return fmt.Errorf("cache: marshal user %s/%s: %w", namespace, u.ID, err)
	}
	row := UserRow{
		Namespace:   namespace,
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		RealName:    u.RealName,
		RawJSON:     string(rawJSON),
		ExpiresAt:   u.ExpiresAt,
	}
	err = g.db.Where("namespace = ? AND user_id = ?", namespace, u.ID).
		Assign(row).
		FirstOrCreate(&UserRow{Namespace: namespace, UserID: u.ID}).Error
	if err != nil {
		return fmt.Errorf("cache: put_user %s/%s: %w", namespace, u.ID, err)
	}
	return nil
}

// DropUser implements Backend.
func (g *GormBackend) DropUser(namespace, userID string) error {
	if err := g.db.Where("namespace = ? AND user_id = ?", namespace, userID).Delete(&UserRow{}).Error; err != nil {
		return fmt.Errorf("cache: drop_user %s/%s: %w", namespace, userID, err)
	}
	return nil
}

// PutMetadata implements Backend. Each key is upserted as its own row so
// merge semantics don't require reading the whole map first.
func (g *GormBackend) PutMetadata(namespace string, merge map[string]any) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range merge {
			valueJSON, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("cache: marshal metadata %s/%s: %w", namespace, k, err)
			}
			row := MetadataRow{Namespace: namespace, Key: k, ValueJSON: string(valueJSON)}
			err = tx.Where("namespace = ? AND key = ?", namespace, k).
				Assign(row).
				FirstOrCreate(&MetadataRow{Namespace: namespace, Key: k}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Users implements Backend. Expired rows are swept as a side effect.
func (g *GormBackend) Users(namespace string, now time.Time) ([]User, error) {
	var rows []UserRow
	if err := g.db.Where("namespace = ?", namespace).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cache: users %s: %w", namespace, err)
	}
	out := make([]User, 0, len(rows))
	var expiredIDs []string
	for _, r := range rows {
		u := userFromRow(r)
		if u.expired(now) {
			expiredIDs = append(expiredIDs, r.UserID)
			continue
		}
		out = append(out, u)
	}
	if len(expiredIDs) > 0 {
		g.db.Where("namespace = ? AND user_id IN ?", namespace, expiredIDs).Delete(&UserRow{})
	}
	return out, nil
}

// Metadata implements Backend.
func (g *GormBackend) Metadata(namespace string) (map[string]any, error) {
	var rows []MetadataRow
	if err := g.db.Where("namespace = ?", namespace).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cache: metadata %s: %w", namespace, err)
	}
	out := make(map[string]any, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.ValueJSON), &v); err != nil {
			return nil, fmt.Errorf("cache: unmarshal metadata %s/%s: %w", namespace, r.Key, err)
		}
		out[r.Key] = normalizeChannelsByID(r.Key, v)
	}
	return out, nil
}

// normalizeChannelsByID converts the generic JSON map decoded for
// channels_by_id (map[string]any) back to the map[string]string shape
// callers expect, since encoding/json always decodes object values as
// map[string]any.
func normalizeChannelsByID(key string, v any) any {
	if key != "channels_by_id" {
		return v
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]string, len(raw))
	for k, vv := range raw {
		if s, ok := vv.(string); ok {
			out[k] = s
		}
	}
	return out
}

// GetUser implements Backend.
func (g *GormBackend) GetUser(namespace, userID string, now time.Time) (User, bool, error) {
	var row UserRow
	err := g.db.Where("namespace = ? AND user_id = ?", namespace, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("cache: get_user %s/%s: %w", namespace, userID, err)
	}
	u := userFromRow(row)
	if u.expired(now) {
		g.db.Where("namespace = ? AND user_id = ?", namespace, userID).Delete(&UserRow{})
		return User{}, false, nil
	}
	return u, true, nil
}

// Sweep implements Backend.
func (g *GormBackend) Sweep(namespace string, now time.Time) (int, error) {
	result := g.db.Where("namespace = ? AND expires_at <= ? AND expires_at > ?", namespace, now, time.Time{}).Delete(&UserRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("cache: sweep %s: %w", namespace, result.Error)
	}
	return int(result.RowsAffected), nil
}

func userFromRow(r UserRow) User {
	var raw map[string]any
	if r.RawJSON != "" {
		_ = json.Unmarshal([]byte(r.RawJSON), &raw)
	}
	return User{
		ID:          r.UserID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		RealName:    r.RealName,
		Raw:         raw,
		ExpiresAt:   r.ExpiresAt,
	}
}
