package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/model"
)

// CommandQueue persists pending commands and their state transitions.
type CommandQueue interface {
	Enqueue(ctx context.Context, employeeID string, command model.CommandType, timestamp time.Time, expiresAt *time.Time) (*model.PendingCommand, error)
	ListPending(ctx context.Context, employeeID string, now time.Time) ([]model.PendingCommand, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error)
	Acknowledge(ctx context.Context, employeeID string, ids []uuid.UUID, now time.Time) (int, error)
	RecordAttempts(ctx context.Context, ids []uuid.UUID) error
	GetCommand(ctx context.Context, id uuid.UUID) (*model.PendingCommand, error)
}

// PresenceStore is the sole writer of persisted presence.
type PresenceStore interface {
	PresenceStatus(ctx context.Context, userID string) (model.PresenceStatus, error)
	GetPresence(ctx context.Context, userID string) (*model.Presence, error)
	SetStatus(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) (bool, error)
	ListRoster(ctx context.Context) ([]RosterEntry, error)
}

// EmployeeStore manages the roster of known command targets.
type EmployeeStore interface {
	UpsertEmployee(ctx context.Context, e *model.Employee) (*model.Employee, error)
	FindEmployeeByEmail(ctx context.Context, email string) (*model.Employee, error)
	FindEmployeeByDirectoryID(ctx context.Context, directoryID string) (*model.Employee, error)
	FindEmployeeByID(ctx context.Context, id int64) (*model.Employee, error)
}

// Store defines the interface for all database operations.
type Store interface {
	CommandQueue
	PresenceStore
	EmployeeStore
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for the subscription handlers and the notification pool.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrStorage, op, err)
}

func idStrings(ids []uuid.UUID) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	return keys
}

// --- CommandQueue ---

// Enqueue inserts a new command in its initial state. The employee id is not checked
// against the roster here.
func (s *gormStore) Enqueue(ctx context.Context, employeeID string, command model.CommandType, timestamp time.Time, expiresAt *time.Time) (*model.PendingCommand, error) {
	cmd := &model.PendingCommand{
		ID:         uuid.New(),
		EmployeeID: employeeID,
		Command:    command,
		Timestamp:  timestamp.UTC(),
	}
	if expiresAt != nil {
		deadline := expiresAt.UTC()
		cmd.ExpiresAt = &deadline
	}
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return nil, storageErr(fmt.Sprintf("enqueue command for %q", employeeID), err)
	}
	return cmd, nil
}

// ListPending returns unacknowledged, unexpired commands for employeeID, oldest
// timestamp first.
func (s *gormStore) ListPending(ctx context.Context, employeeID string, now time.Time) ([]model.PendingCommand, error) {
	var cmds []model.PendingCommand
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND acknowledged = ?", employeeID, false).
		Where("expires_at IS NULL OR expires_at >= ?", now.UTC()).
		Order("issued_at ASC").
		Order("created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list pending commands for %q", employeeID), err)
	}
	return cmds, nil
}

// MarkPublished flags live, unpublished commands as published. Already published,
// acknowledged or expired ids are left untouched and not counted.
func (s *gormStore) MarkPublished(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&model.PendingCommand{}).
		Where("id IN ?", idStrings(ids)).
		Where("published = ? AND acknowledged = ?", false, false).
		Where("expires_at IS NULL OR expires_at >= ?", now).
		Updates(map[string]any{
			"published":    true,
			"published_at": now,
		})
	if res.Error != nil {
		return 0, storageErr("mark commands published", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Acknowledge completes unacknowledged, unexpired commands. When employeeID is not
// empty only that employee's commands are touched. The published flag is set as well
// so that acknowledged implies published on the poll path. The count covers only rows
// that changed, so repeating a call reports zero.
func (s *gormStore) Acknowledge(ctx context.Context, employeeID string, ids []uuid.UUID, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now = now.UTC()
	q := s.db.WithContext(ctx).Model(&model.PendingCommand{}).
		Where("id IN ?", idStrings(ids)).
		Where("acknowledged = ?", false).
		Where("expires_at IS NULL OR expires_at >= ?", now)
	if employeeID != "" {
		q = q.Where("employee_id = ?", employeeID)
	}
	res := q.Updates(map[string]any{
		"acknowledged":    true,
		"acknowledged_at": now,
		"published":       true,
		"published_at":    gorm.Expr("COALESCE(published_at, ?)", now),
	})
	if res.Error != nil {
		return 0, storageErr("acknowledge commands", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RecordAttempts bumps the delivery attempt counter of the given commands.
func (s *gormStore) RecordAttempts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&model.PendingCommand{}).
		Where("id IN ?", idStrings(ids)).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + ?", 1)).Error
	if err != nil {
		return storageErr("record delivery attempts", err)
	}
	return nil
}

// GetCommand loads a single command.
func (s *gormStore) GetCommand(ctx context.Context, id uuid.UUID) (*model.PendingCommand, error) {
	var cmd model.PendingCommand
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: command %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get command", err)
	}
	return &cmd, nil
}

// --- PresenceStore ---

// GetPresence loads the presence row of userID.
func (s *gormStore) GetPresence(ctx context.Context, userID string) (*model.Presence, error) {
	var p model.Presence
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: presence of %q", errs.ErrNotFound, userID)
	}
	if err != nil {
		return nil, storageErr("get presence", err)
	}
	return &p, nil
}

// PresenceStatus returns the persisted status; users without a row are offline.
func (s *gormStore) PresenceStatus(ctx context.Context, userID string) (model.PresenceStatus, error) {
	p, err := s.GetPresence(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.StatusOffline, nil
	}
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// SetStatus records status for userID and refreshes last-seen. It reports whether the
// persisted status changed. Reapplying the current status only refreshes lastSeenAt.
func (s *gormStore) SetStatus(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) (bool, error) {
	at = at.UTC()
	db := s.db.WithContext(ctx)

	res := db.Model(&model.Presence{}).
		Where("user_id = ? AND status <> ?", userID, status).
		Updates(map[string]any{"status": status, "last_seen_at": at})
	if res.Error != nil {
		return false, storageErr("update presence status", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	res = db.Model(&model.Presence{}).
		Where("user_id = ?", userID).
		Update("last_seen_at", at)
	if res.Error != nil {
		return false, storageErr("touch presence", res.Error)
	}
	if res.RowsAffected > 0 {
		return false, nil
	}

	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Presence{
		UserID:     userID,
		Status:     status,
		LastSeenAt: at,
	})
	if res.Error != nil {
		return false, storageErr("insert presence", res.Error)
	}
	// A missing row already reads as offline.
	return res.RowsAffected > 0 && status == model.StatusOnline, nil
}

// ListRoster returns every known employee with its persisted presence.
func (s *gormStore) ListRoster(ctx context.Context) ([]RosterEntry, error) {
	var rows []rosterRow
	err := s.db.WithContext(ctx).
		Table("employees").
		Select("employees.id AS id, employees.email AS email, employees.full_name AS full_name, presence.status AS status, presence.last_seen_at AS last_seen_at").
		Joins("LEFT JOIN presence ON presence.user_id = employees.email").
		Order("employees.email ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("list roster", err)
	}

	entries := make([]RosterEntry, 0, len(rows))
	for _, r := range rows {
		status := model.StatusOffline
		if r.Status != nil && *r.Status != "" {
			status = model.PresenceStatus(*r.Status)
		}
		entries = append(entries, RosterEntry{
			EmployeeID: r.ID,
			Email:      r.Email,
			FullName:   r.FullName,
			Status:     status,
			LastSeenAt: r.LastSeenAt,
		})
	}
	return entries, nil
}

// --- EmployeeStore ---

// UpsertEmployee inserts or updates an employee keyed by normalized email. Empty
// FullName and nil DirectoryID do not overwrite stored values.
func (s *gormStore) UpsertEmployee(ctx context.Context, e *model.Employee) (*model.Employee, error) {
	columns := []string{"updated_at"}
	if e.FullName != "" {
		columns = append(columns, "full_name")
	}
	if e.DirectoryID != nil {
		columns = append(columns, "directory_id")
	}

	row := *e
	row.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
	if err != nil {
		return nil, storageErr(fmt.Sprintf("upsert employee %q", e.Email), err)
	}
	return s.FindEmployeeByEmail(ctx, e.Email)
}

func (s *gormStore) findEmployee(ctx context.Context, what string, query string, arg any) (*model.Employee, error) {
	var e model.Employee
	err := s.db.WithContext(ctx).Where(query, arg).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: employee with %s %v", errs.ErrNotFound, what, arg)
	}
	if err != nil {
		return nil, storageErr("find employee by "+what, err)
	}
	return &e, nil
}

// FindEmployeeByEmail looks an employee up by normalized email.
func (s *gormStore) FindEmployeeByEmail(ctx context.Context, email string) (*model.Employee, error) {
	return s.findEmployee(ctx, "email", "email = ?", email)
}

// FindEmployeeByDirectoryID looks an employee up by directory object id.
func (s *gormStore) FindEmployeeByDirectoryID(ctx context.Context, directoryID string) (*model.Employee, error) {
	return s.findEmployee(ctx, "directory id", "directory_id = ?", directoryID)
}

// FindEmployeeByID looks an employee up by record id.
func (s *gormStore) FindEmployeeByID(ctx context.Context, id int64) (*model.Employee, error) {
	return s.findEmployee(ctx, "id", "id = ?", id)
}
