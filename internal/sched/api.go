package sched

import (
	"context"
	"errors"
	"fmt"

	"untild/internal/change"
	"untild/internal/eventbus"
	logx "untild/pkg/logx"
)

// ScheduleChange validates, resolves, and persists one deferred mutation.
// Validation failures surface with the most specific error and never reach
// the store.
func (s *Service) ScheduleChange(ctx context.Context, req ScheduleRequest) (string, error) {
	kind := change.Kind(req.Kind)

	if err := s.validate.Validate(ctx, req.TargetID, kind, req.NewValue); err != nil {
		return "", err
	}

	at, err := s.resolver.Resolve(req.When)
	if err != nil {
		return "", err
	}

	id, err := s.store.Add(ctx, change.Change{
		TargetID:    req.TargetID,
		Kind:        kind,
		NewValue:    req.NewValue,
		ScheduledAt: at,
		CreatedBy:   req.RequestedBy,
		CreatedAt:   s.now(),
		Status:      change.StatusPending,
	})
	if err != nil {
		return "", err
	}

	s.publish(eventbus.TypeChangeScheduled, change.Change{
		ID: id, TargetID: req.TargetID, Kind: kind, NewValue: req.NewValue, ScheduledAt: at,
	})
	s.log.Info("change scheduled",
		logx.String("id", id),
		logx.String("target", req.TargetID),
		logx.String("kind", req.Kind),
		logx.Time("at", at))
	return id, nil
}

// CancelChange transitions a pending change to cancelled.
// Returns false when the record is missing or already terminal.
func (s *Service) CancelChange(ctx context.Context, id, principal string) (bool, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, change.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if s.auth != nil && !s.auth.CanEdit(principal, rec.TargetID) && !s.auth.CanAdminister(principal) {
		return false, fmt.Errorf("%w: %q cannot cancel change for %q", ErrNotAllowed, principal, rec.TargetID)
	}

	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.clearAttempts(id)
		s.publish(eventbus.TypeChangeCancelled, rec)
		s.log.Info("change cancelled", logx.String("id", id), logx.String("by", principal))
	}
	return ok, nil
}

// ListPending lists live changes, defaulting the status filter to pending.
func (s *Service) ListPending(ctx context.Context, f change.Filter, p change.Page) ([]change.Change, error) {
	if f.Status == "" {
		f.Status = change.StatusPending
	}
	return s.store.List(ctx, f, p)
}

// CountPending counts live changes, defaulting the status filter to pending.
func (s *Service) CountPending(ctx context.Context, f change.Filter) (int, error) {
	if f.Status == "" {
		f.Status = change.StatusPending
	}
	return s.store.Count(ctx, f)
}

// ListHistory lists executed changes, newest first.
func (s *Service) ListHistory(ctx context.Context, f change.Filter, p change.Page) ([]change.HistoryRecord, error) {
	return s.store.History(ctx, f, p)
}

// Statistics summarizes executions over the trailing window.
func (s *Service) Statistics(ctx context.Context, days int) (change.Stats, error) {
	return s.store.Stats(ctx, days, s.now())
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Service) clearAttempts(id string) {
	s.amu.Lock()
	delete(s.attempts, id)
	s.amu.Unlock()
}
