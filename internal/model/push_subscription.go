package model

import "time"

// PushSubscription holds a supervisor browser's push subscription and the employees
// whose presence changes it follows.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Employees []*Employee `gorm:"many2many:subscription_employee_mapping;"`
}
