package model

import "time"

// Employee is a known command target.
type Employee struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Email       string    `gorm:"uniqueIndex;size:320;not null" json:"email"` // normalized
	DirectoryID *string   `gorm:"uniqueIndex;size:64" json:"directoryId"`
	FullName    string    `gorm:"size:256;not null;default:''" json:"fullName"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"not null" json:"updatedAt"`
}
