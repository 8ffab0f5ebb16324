package store

import (
	"time"

	"camwatch-backend/internal/model"
)

// RosterEntry is an employee joined with its persisted presence. Employees without a
// presence row are reported offline with a nil LastSeenAt.
type RosterEntry struct {
	EmployeeID int64                `json:"employeeId"`
	Email      string               `json:"email"`
	FullName   string               `json:"fullName"`
	Status     model.PresenceStatus `json:"status"`
	LastSeenAt *time.Time           `json:"lastSeenAt"`
}

// rosterRow is the raw LEFT JOIN result.
type rosterRow struct {
	ID         int64
	Email      string
	FullName   string
	Status     *string
	LastSeenAt *time.Time
}
