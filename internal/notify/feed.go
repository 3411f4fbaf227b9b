// Package notify keeps the bounded, non-authoritative feed of recently
// executed changes. It derives entries from execution events on the bus, so
// losing or corrupting the feed can never affect the stored history.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"untild/internal/change"
	"untild/internal/eventbus"
	rtsup "untild/internal/runtime/supervisor"
	logx "untild/pkg/logx"
)

// DefaultCap matches the feed bound carried by the original system.
const DefaultCap = 50

// Feed is a fixed-capacity list of notifications, oldest-evicted.
// Safe for concurrent use.
type Feed struct {
	mu      sync.Mutex
	cap     int
	entries []change.Notification

	log logx.Logger
}

func NewFeed(capacity int, log logx.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feed{cap: capacity, log: log}
}

// Attach subscribes the feed to execution events. The pump goroutine runs
// under sup and exits with its context.
func (f *Feed) Attach(bus eventbus.Bus, sup *rtsup.Supervisor) {
	ch, unsub := bus.Subscribe(32)
	sup.Go("notify-pump", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				if ev.Type != eventbus.TypeChangeExecuted {
					continue
				}
				rec, ok := ev.Data.(change.HistoryRecord)
				if !ok {
					continue
				}
				f.Push(rec)
			}
		}
	})
}

// Push appends a notification derived from one executed change.
func (f *Feed) Push(rec change.HistoryRecord) {
	n := change.Notification{
		ID:         uuid.NewString(),
		TargetID:   rec.TargetID,
		Kind:       rec.Kind,
		OldValue:   rec.OldValue,
		NewValue:   rec.NewValue,
		ExecutedAt: rec.ExecutedAt,
	}

	f.mu.Lock()
	f.entries = append(f.entries, n)
	if over := len(f.entries) - f.cap; over > 0 {
		f.entries = append(f.entries[:0:0], f.entries[over:]...)
	}
	f.mu.Unlock()

	f.log.Debug("notification pushed",
		logx.String("target", rec.TargetID), logx.String("kind", string(rec.Kind)))
}

// Active returns non-dismissed notifications, newest first.
func (f *Feed) Active() []change.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]change.Notification, 0, len(f.entries))
	for i := len(f.entries) - 1; i >= 0; i-- {
		if !f.entries[i].Dismissed {
			out = append(out, f.entries[i])
		}
	}
	return out
}

// Dismiss marks one notification as dismissed. Returns false if id is unknown.
func (f *Feed) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].Dismissed = true
			return true
		}
	}
	return false
}

// DismissAll marks every notification as dismissed.
func (f *Feed) DismissAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		f.entries[i].Dismissed = true
	}
}

// PruneOlderThan drops notifications executed before cutoff, dismissed or not.
// Returns the number removed.
func (f *Feed) PruneOlderThan(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	removed := 0
	for _, n := range f.entries {
		if n.ExecutedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	f.entries = kept
	return removed
}

// Len reports the total number of entries, dismissed included.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
