// Package presence applies connect, heartbeat and disconnect events and corrections to
// the persisted presence and announces status changes.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/metrics"
	"camwatch-backend/internal/model"
)

// EventPresence is the transport event name of a presence broadcast.
const EventPresence = "presence"

// Source labels where a status write came from.
type Source string

const (
	SourceConnect    Source = "connect"
	SourceHeartbeat  Source = "heartbeat"
	SourceDisconnect Source = "disconnect"
	SourceReconcile  Source = "reconcile"
)

// Store is the presence persistence.
type Store interface {
	SetStatus(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) (bool, error)
	FindEmployeeByEmail(ctx context.Context, email string) (*model.Employee, error)
}

// Transport is the part of the group service presence needs.
type Transport interface {
	LivenessGroup() string
	WatchGroup() string
	IsMember(group, identity string) bool
	SendToGroup(ctx context.Context, group, event string, data []byte) error
}

// Notifier receives presence changes for supervisor notification.
type Notifier interface {
	Dispatch(email string, payload []byte)
}

// UserStatus is the user part of a presence broadcast.
type UserStatus struct {
	Email      string               `json:"email"`
	FullName   string               `json:"fullName"`
	Status     model.PresenceStatus `json:"status"`
	LastSeenAt time.Time            `json:"lastSeenAt"`
}

// Broadcast is sent to the liveness group whenever a status changes.
type Broadcast struct {
	Type string     `json:"type"`
	User UserStatus `json:"user"`
}

// Service records presence events.
type Service struct {
	store     Store
	transport Transport
	notifier  Notifier
	now       func() time.Time
}

// NewService creates a presence service. notifier may be nil.
func NewService(store Store, transport Transport, notifier Notifier) *Service {
	return &Service{
		store:     store,
		transport: transport,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Connected records that userID opened a connection.
func (s *Service) Connected(ctx context.Context, userID string) error {
	_, err := s.Apply(ctx, userID, model.StatusOnline, SourceConnect)
	return err
}

// Heartbeat refreshes userID as online.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	_, err := s.Apply(ctx, userID, model.StatusOnline, SourceHeartbeat)
	return err
}

// Disconnected marks userID offline unless another of its connections is still in the
// liveness group.
func (s *Service) Disconnected(ctx context.Context, userID string) error {
	if s.transport.IsMember(s.transport.LivenessGroup(), userID) {
		return nil
	}
	_, err := s.Apply(ctx, userID, model.StatusOffline, SourceDisconnect)
	return err
}

// Apply writes status for userID and, if it changed, broadcasts it and notifies
// supervisors. It reports whether the persisted status changed.
func (s *Service) Apply(ctx context.Context, userID string, status model.PresenceStatus, source Source) (bool, error) {
	at := s.now()
	changed, err := s.store.SetStatus(ctx, userID, status, at)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	metrics.IncPresenceChange(string(source), string(status))
	log.Printf("presence: %s is now %s (%s)", userID, status, source)
	s.announce(ctx, userID, status, at)
	return true, nil
}

func (s *Service) announce(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) {
	var fullName string
	if e, err := s.store.FindEmployeeByEmail(ctx, userID); err == nil {
		fullName = e.FullName
	} else if !errors.Is(err, errs.ErrNotFound) {
		log.Printf("presence: loading employee %s failed: %v", userID, err)
	}

	payload, err := json.Marshal(Broadcast{
		Type: EventPresence,
		User: UserStatus{Email: userID, FullName: fullName, Status: status, LastSeenAt: at},
	})
	if err != nil {
		log.Printf("presence: encoding broadcast for %s failed: %v", userID, err)
		return
	}

	for _, group := range []string{s.transport.LivenessGroup(), s.transport.WatchGroup()} {
		err = s.transport.SendToGroup(ctx, group, EventPresence, payload)
		if err != nil && !errors.Is(err, hub.ErrNoRecipients) {
			log.Printf("presence: broadcast for %s to %s failed: %v", userID, group, err)
		}
	}
	if s.notifier != nil {
		s.notifier.Dispatch(userID, payload)
	}
}
