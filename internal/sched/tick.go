package sched

import (
	"context"
	"time"

	"untild/internal/change"
	"untild/internal/eventbus"
	logx "untild/pkg/logx"
)

// Tick dispatches every due pending change, oldest first, strictly
// sequentially. At most one tick runs at a time process-wide; an overlapping
// trigger is skipped, not queued.
//
// A storage failure on one record is logged and the batch continues.
func (s *Service) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		s.log.Debug("tick already running; skipping")
		return nil
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	maxBatch := s.cfg.MaxBatch
	s.mu.Unlock()

	now := s.now()
	batch, err := s.store.Due(ctx, now, maxBatch)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	s.log.Debug("dispatching due changes", logx.Int("count", len(batch)))
	for _, rec := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.executeOne(ctx, rec)
	}
	return nil
}

// executeOne runs a single due record through its applier and commits the
// result. Failure policy per case:
//   - missing target: cancel, never retried
//   - unknown kind: cancel (defensive; validated at creation)
//   - applier failure: leave pending, retried next tick, bounded by RetryMax
//   - storage failure: log and move on; the record stays pending
func (s *Service) executeOne(ctx context.Context, rec change.Change) {
	log := s.log.With(
		logx.String("id", rec.ID),
		logx.String("target", rec.TargetID),
		logx.String("kind", string(rec.Kind)))

	item, found, err := s.library.Get(ctx, rec.TargetID)
	if err != nil {
		log.Error("target lookup failed; will retry", logx.Err(err))
		return
	}
	if !found {
		s.cancelDefunct(ctx, rec, "target deleted")
		return
	}

	applier, ok := s.registry.Get(rec.Kind)
	if !ok {
		s.cancelDefunct(ctx, rec, "no applier registered")
		return
	}

	oldValue, err := applier.Apply(ctx, rec.TargetID, rec.NewValue)
	if err != nil {
		s.noteFailure(ctx, rec, err)
		return
	}
	s.clearAttempts(rec.ID)

	executedAt := s.now()
	committed, err := s.store.CommitExecution(ctx, rec.ID, oldValue, change.DispatcherPrincipal, executedAt)
	if err != nil {
		// The mutation happened but the commit did not; the reconcile pass
		// or the idempotent re-commit on the next tick finishes the job.
		log.Error("commit failed after apply", logx.Err(err))
		return
	}
	if !committed {
		log.Warn("record vanished before commit")
		return
	}

	hist := change.HistoryRecord{
		ID:          rec.ID,
		TargetID:    rec.TargetID,
		Kind:        rec.Kind,
		OldValue:    oldValue,
		NewValue:    rec.NewValue,
		ScheduledAt: rec.ScheduledAt,
		ExecutedAt:  executedAt,
		ExecutedBy:  change.DispatcherPrincipal,
		CreatedBy:   rec.CreatedBy,
	}
	s.publish(eventbus.TypeChangeExecuted, hist)
	if s.hooks != nil {
		s.hooks.Fire(ctx, hist)
	}
	log.Info("change executed",
		logx.String("item", item.Title),
		logx.String("old", oldValue),
		logx.String("new", rec.NewValue))
}

func (s *Service) cancelDefunct(ctx context.Context, rec change.Change, reason string) {
	if _, err := s.store.Cancel(ctx, rec.ID); err != nil {
		s.log.Error("cancel failed", logx.String("id", rec.ID), logx.Err(err))
		return
	}
	s.clearAttempts(rec.ID)
	s.publish(eventbus.TypeChangeCancelled, rec)
	s.log.Warn("change abandoned",
		logx.String("id", rec.ID),
		logx.String("target", rec.TargetID),
		logx.String("reason", reason))
}

func (s *Service) noteFailure(ctx context.Context, rec change.Change, applyErr error) {
	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()

	s.amu.Lock()
	s.attempts[rec.ID]++
	n := s.attempts[rec.ID]
	s.amu.Unlock()

	s.publish(eventbus.TypeChangeFailed, rec)

	if retryMax > 0 && n >= retryMax {
		s.log.Error("giving up after repeated apply failures",
			logx.String("id", rec.ID), logx.Int("attempts", n), logx.Err(applyErr))
		s.cancelDefunct(ctx, rec, "retry budget exhausted")
		return
	}
	s.log.Warn("apply failed; record stays pending",
		logx.String("id", rec.ID), logx.Int("attempts", n), logx.Err(applyErr))
}

// Maintain prunes aged history rows and notifications.
func (s *Service) Maintain(ctx context.Context) {
	s.mu.Lock()
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	notifAge := s.cfg.NotificationMaxAge
	s.mu.Unlock()

	now := s.now()
	purged, err := s.store.PurgeHistoryBefore(ctx, now.Add(-retention))
	if err != nil {
		s.log.Error("history purge failed", logx.Err(err))
	} else if purged > 0 {
		s.log.Info("history purged", logx.Int("rows", purged))
	}

	if s.feed != nil {
		if n := s.feed.PruneOlderThan(now.Add(-notifAge)); n > 0 {
			s.log.Info("notifications pruned", logx.Int("count", n))
		}
	}
}
