package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/metrics"
	"camwatch-backend/internal/model"
)

// EventCommand is the transport event name of a pushed command.
const EventCommand = "command"

// Queue is the command persistence used by the dispatcher.
type Queue interface {
	Enqueue(ctx context.Context, employeeID string, command model.CommandType, timestamp time.Time, expiresAt *time.Time) (*model.PendingCommand, error)
	ListPending(ctx context.Context, employeeID string, now time.Time) ([]model.PendingCommand, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error)
	Acknowledge(ctx context.Context, employeeID string, ids []uuid.UUID, now time.Time) (int, error)
	RecordAttempts(ctx context.Context, ids []uuid.UUID) error
}

// PresenceReader reads persisted presence.
type PresenceReader interface {
	PresenceStatus(ctx context.Context, userID string) (model.PresenceStatus, error)
}

// Transport is the view of the real-time group service needed for push delivery.
type Transport interface {
	LivenessGroup() string
	IsMember(group, identity string) bool
	SendToGroup(ctx context.Context, group, event string, data []byte) error
}

// EnqueueRequest describes a command to deliver.
type EnqueueRequest struct {
	EmployeeID string // normalized identity
	Command    model.CommandType
	Timestamp  time.Time
	ExpiresAt  *time.Time
}

// CommandPayload is pushed on the employee's private channel.
type CommandPayload struct {
	ID        string            `json:"id"`
	Command   model.CommandType `json:"command"`
	Timestamp string            `json:"timestamp"`
}

// Dispatcher persists commands and pushes them to online employees.
type Dispatcher struct {
	queue       Queue
	presence    PresenceReader
	transport   Transport
	pushTimeout time.Duration
	now         func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(queue Queue, presence PresenceReader, transport Transport, pushTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		presence:    presence,
		transport:   transport,
		pushTimeout: pushTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists the command and, when the target is online, pushes it right away.
// Only validation and storage failures are returned; a failed push leaves the command
// pending for the client's next poll.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*model.PendingCommand, error) {
	if req.EmployeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", errs.ErrValidation)
	}
	if !req.Command.Valid() {
		return nil, fmt.Errorf("%w: unknown command %q", errs.ErrValidation, req.Command)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = d.now()
	}

	cmd, err := d.queue.Enqueue(ctx, req.EmployeeID, req.Command, req.Timestamp, req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	metrics.IncCommandEnqueued(string(cmd.Command))

	if !d.isOnline(ctx, req.EmployeeID) {
		log.Printf("dispatch: %s is offline, command %s queued for poll", req.EmployeeID, cmd.ID)
		return cmd, nil
	}

	d.push(ctx, cmd)
	return cmd, nil
}

// isOnline trusts either source of liveness: the persisted status or a live
// connection in the liveness group.
func (d *Dispatcher) isOnline(ctx context.Context, employeeID string) bool {
	status, err := d.presence.PresenceStatus(ctx, employeeID)
	if err != nil {
		log.Printf("dispatch: presence lookup for %s failed: %v", employeeID, err)
	}
	if status == model.StatusOnline {
		return true
	}
	return d.transport.IsMember(d.transport.LivenessGroup(), employeeID)
}

func (d *Dispatcher) push(ctx context.Context, cmd *model.PendingCommand) {
	if err := d.queue.RecordAttempts(ctx, []uuid.UUID{cmd.ID}); err != nil {
		log.Printf("dispatch: recording attempt for %s failed: %v", cmd.ID, err)
	} else {
		cmd.AttemptCount++
	}

	payload, err := json.Marshal(CommandPayload{
		ID:        cmd.ID.String(),
		Command:   cmd.Command,
		Timestamp: cmd.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("dispatch: encoding command %s failed: %v", cmd.ID, err)
		return
	}

	pushCtx := ctx
	if d.pushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, d.pushTimeout)
		defer cancel()
	}
	if err := d.transport.SendToGroup(pushCtx, cmd.EmployeeID, EventCommand, payload); err != nil {
		metrics.IncCommandPush(false)
		log.Printf("dispatch: push of command %s to %s failed, left pending: %v", cmd.ID, cmd.EmployeeID, err)
		return
	}
	metrics.IncCommandPush(true)

	now := d.now()
	n, err := d.queue.MarkPublished(ctx, []uuid.UUID{cmd.ID}, now)
	if err != nil {
		log.Printf("dispatch: marking command %s published failed: %v", cmd.ID, err)
		return
	}
	if n > 0 {
		cmd.Published = true
		cmd.PublishedAt = &now
	}
}

// FetchPending returns the employee's outstanding commands, oldest first, and counts
// the poll as a delivery attempt.
func (d *Dispatcher) FetchPending(ctx context.Context, employeeID string) ([]model.PendingCommand, error) {
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", errs.ErrValidation)
	}
	cmds, err := d.queue.ListPending(ctx, employeeID, d.now())
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return cmds, nil
	}

	ids := make([]uuid.UUID, len(cmds))
	for i := range cmds {
		ids[i] = cmds[i].ID
	}
	if err := d.queue.RecordAttempts(ctx, ids); err != nil {
		log.Printf("dispatch: recording poll attempts for %s failed: %v", employeeID, err)
	} else {
		for i := range cmds {
			cmds[i].AttemptCount++
		}
	}
	metrics.AddCommandsPolled(len(cmds))
	return cmds, nil
}

// Acknowledge completes the caller's own commands and returns how many changed state.
func (d *Dispatcher) Acknowledge(ctx context.Context, employeeID string, ids []uuid.UUID) (int, error) {
	if employeeID == "" {
		return 0, fmt.Errorf("%w: employee id is required", errs.ErrValidation)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: ids must not be empty", errs.ErrValidation)
	}
	n, err := d.queue.Acknowledge(ctx, employeeID, ids, d.now())
	if err != nil {
		return 0, err
	}
	metrics.AddCommandsAcknowledged(n)
	return n, nil
}

// ParseIDs converts raw command ids, rejecting malformed or nil ones.
func ParseIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: ids must not be empty", errs.ErrValidation)
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil || id == uuid.Nil {
			return nil, errors.Join(fmt.Errorf("%w: malformed id %q", errs.ErrValidation, r), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
