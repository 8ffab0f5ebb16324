// Package reconcile repairs drift between live transport membership and persisted
// presence.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/metrics"
	"camwatch-backend/internal/model"
	"camwatch-backend/internal/presence"
	"camwatch-backend/internal/store"
)

// GroupView lists identities with a live connection in a group.
type GroupView interface {
	LivenessGroup() string
	Members(group string) []string
	IsMember(group, identity string) bool
}

// Roster lists known identities with their persisted status.
type Roster interface {
	ListRoster(ctx context.Context) ([]store.RosterEntry, error)
}

// Corrector writes a corrected status.
type Corrector interface {
	Apply(ctx context.Context, userID string, status model.PresenceStatus, source presence.Source) (bool, error)
}

// Report summarizes one pass.
type Report struct {
	Checked     int       `json:"checked"`
	WentOnline  int       `json:"wentOnline"`
	WentOffline int       `json:"wentOffline"`
	Ignored     int       `json:"ignored"`
	Failed      int       `json:"failed"`
	Errors      []string  `json:"errors,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	Duration    string    `json:"duration"`
}

// Corrections is the number of identities whose status was changed.
func (r Report) Corrections() int {
	return r.WentOnline + r.WentOffline
}

// Service runs reconciliation passes.
type Service struct {
	view      GroupView
	roster    Roster
	corrector Corrector
	debounce  time.Duration
	trigger   chan struct{}
	running   atomic.Bool
}

// NewService creates a reconciliation service. debounce delays triggered passes so a
// burst of disconnects is handled by one pass.
func NewService(view GroupView, roster Roster, corrector Corrector, debounce time.Duration) *Service {
	return &Service{
		view:      view,
		roster:    roster,
		corrector: corrector,
		debounce:  debounce,
		trigger:   make(chan struct{}, 1),
	}
}

// Reconcile compares the liveness group with the roster and corrects every mismatch.
// A failed correction is recorded in the report and does not stop the pass; only a
// failure to read the roster aborts it.
//
// The roster is read before the membership snapshot, and membership is checked again
// around every write, so a connect or disconnect racing the pass costs at most one
// extra write and never leaves a status that contradicts the transport.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt).String() }()

	entries, err := s.roster.ListRoster(ctx)
	if err != nil {
		metrics.IncReconcileRun(false)
		return report, fmt.Errorf("%w: load roster: %w", errs.ErrReconciliation, err)
	}

	group := s.view.LivenessGroup()
	live := make(map[string]struct{})
	for _, id := range s.view.Members(group) {
		live[id] = struct{}{}
	}

	for _, entry := range entries {
		report.Checked++
		_, connected := live[entry.Email]
		delete(live, entry.Email)

		if !mismatch(connected, entry.Status) {
			continue
		}
		// The snapshot may be stale by now.
		if connected = s.view.IsMember(group, entry.Email); !mismatch(connected, entry.Status) {
			continue
		}

		want := statusFor(connected)
		changed, err := s.correct(ctx, group, entry.Email, want)
		if err != nil {
			report.Failed++
			err = fmt.Errorf("%w: %s -> %s: %w", errs.ErrReconciliation, entry.Email, want, err)
			report.Errors = append(report.Errors, err.Error())
			log.Printf("reconcile: %v", err)
			continue
		}
		if !changed {
			continue
		}
		if want == model.StatusOnline {
			report.WentOnline++
		} else {
			report.WentOffline++
		}
	}

	// Whatever is left is connected but unknown to the roster.
	report.Ignored = len(live)

	metrics.IncReconcileRun(report.Failed == 0)
	metrics.AddReconcileCorrections("online", report.WentOnline)
	metrics.AddReconcileCorrections("offline", report.WentOffline)
	metrics.AddReconcileCorrections("failed", report.Failed)
	if report.Corrections() > 0 || report.Failed > 0 {
		log.Printf("reconcile: checked=%d online=%d offline=%d ignored=%d failed=%d",
			report.Checked, report.WentOnline, report.WentOffline, report.Ignored, report.Failed)
	}
	return report, nil
}

// correct writes want for userID. If membership flipped while the write was in flight,
// the status matching the transport is written instead, and the first write is not
// reported as a change.
func (s *Service) correct(ctx context.Context, group, userID string, want model.PresenceStatus) (bool, error) {
	changed, err := s.corrector.Apply(ctx, userID, want, presence.SourceReconcile)
	if err != nil {
		return false, err
	}
	now := statusFor(s.view.IsMember(group, userID))
	if now == want {
		return changed, nil
	}
	log.Printf("reconcile: %s changed to %s during the pass", userID, now)
	if _, err := s.corrector.Apply(ctx, userID, now, presence.SourceReconcile); err != nil {
		return false, err
	}
	return false, nil
}

func mismatch(connected bool, persisted model.PresenceStatus) bool {
	return connected != (persisted == model.StatusOnline)
}

func statusFor(connected bool) model.PresenceStatus {
	if connected {
		return model.StatusOnline
	}
	return model.StatusOffline
}

// Trigger requests a pass without blocking. Requests made while one is already queued
// are coalesced.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggered passes until ctx is cancelled. When interval is positive a pass
// also runs after every interval without a trigger.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if !s.running.CompareAndSwap(false, true) {
		log.Println("reconcile: Run called twice; ignoring")
		return
	}
	defer s.running.Store(false)
	log.Println("Starting reconciliation service...")

	var sweep <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		sweep = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciliation service shutting down.")
			return
		case <-s.trigger:
			if !s.wait(ctx) {
				return
			}
		case <-sweep:
		}

		if _, err := s.Reconcile(ctx); err != nil {
			log.Printf("reconcile: pass failed: %v", err)
		}
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		}
	}
}

// wait applies the debounce and swallows triggers that arrive meanwhile. It returns
// false when ctx ends first.
func (s *Service) wait(ctx context.Context) bool {
	if s.debounce <= 0 {
		return true
	}
	timer := time.NewTimer(s.debounce)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	select {
	case <-s.trigger:
	default:
	}
	return true
}
