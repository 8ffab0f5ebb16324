package model

import "time"

// PresenceStatus is the persisted liveness of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Presence is the persisted online/offline record of a user, keyed by normalized email.
type Presence struct {
	UserID     string         `gorm:"primaryKey;size:320" json:"userId"`
	Status     PresenceStatus `gorm:"size:16;not null;index" json:"status"`
	LastSeenAt time.Time      `gorm:"not null" json:"lastSeenAt"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updatedAt"`
}

// TableName pins the table name.
func (Presence) TableName() string {
	return "presence"
}
