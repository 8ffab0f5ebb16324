package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandType is the camera instruction carried by a pending command.
type CommandType string

const (
	CommandStart CommandType = "START"
	CommandStop  CommandType = "STOP"
)

// Valid reports whether c is a known command.
func (c CommandType) Valid() bool {
	return c == CommandStart || c == CommandStop
}

// CommandState is the lifecycle position of a pending command, derived from its flags.
type CommandState string

const (
	StatePending   CommandState = "pending"
	StatePublished CommandState = "published"
	StateCompleted CommandState = "completed"
	StateExpired   CommandState = "expired"
)

// PendingCommand is a START/STOP instruction addressed to one employee.
type PendingCommand struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	EmployeeID     string      `gorm:"size:320;not null;index:idx_pending_employee_ts,priority:1" json:"employeeId"`
	Command        CommandType `gorm:"size:16;not null" json:"command"`
	Timestamp      time.Time   `gorm:"column:issued_at;not null;index:idx_pending_employee_ts,priority:2" json:"timestamp"`
	Published      bool        `gorm:"not null;default:false" json:"published"`
	PublishedAt    *time.Time  `json:"publishedAt"`
	Acknowledged   bool        `gorm:"not null;default:false;index" json:"acknowledged"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt"`
	AttemptCount   int         `gorm:"not null;default:0" json:"attemptCount"`
	ExpiresAt      *time.Time  `json:"expiresAt"`
	CreatedAt      time.Time   `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time   `gorm:"not null" json:"updatedAt"`
}

// IsExpired reports whether the command passed its hard deadline.
func (c *PendingCommand) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// State derives the lifecycle state at now. Expiry wins over every other flag
// except a completed acknowledgement recorded before the deadline.
func (c *PendingCommand) State(now time.Time) CommandState {
	switch {
	case c.Acknowledged:
		return StateCompleted
	case c.IsExpired(now):
		return StateExpired
	case c.Published:
		return StatePublished
	default:
		return StatePending
	}
}

// Terminal reports whether no further transitions are accepted.
func (c *PendingCommand) Terminal(now time.Time) bool {
	s := c.State(now)
	return s == StateCompleted || s == StateExpired
}
