package notify

import (
	"fmt"
	"testing"
	"time"

	"untild/internal/change"
	logx "untild/pkg/logx"
)

var execAt = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func record(target string, at time.Time) change.HistoryRecord {
	return change.HistoryRecord{
		TargetID:   target,
		Kind:       change.KindStatus,
		OldValue:   "draft",
		NewValue:   "publish",
		ExecutedAt: at,
	}
}

func TestPushEvictsOldest(t *testing.T) {
	t.Parallel()
	f := NewFeed(3, logx.Nop())

	for i := 0; i < 5; i++ {
		f.Push(record(fmt.Sprintf("t%d", i), execAt.Add(time.Duration(i)*time.Minute)))
	}

	if f.Len() != 3 {
		t.Fatalf("Len = %d, want 3", f.Len())
	}
	active := f.Active()
	if len(active) != 3 {
		t.Fatalf("len(active) = %d, want 3", len(active))
	}
	// Newest first; the two oldest entries were evicted.
	if active[0].TargetID != "t4" || active[2].TargetID != "t2" {
		t.Fatalf("active order = [%s .. %s], want [t4 .. t2]", active[0].TargetID, active[2].TargetID)
	}
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()
	f := NewFeed(0, logx.Nop())

	for i := 0; i < DefaultCap+10; i++ {
		f.Push(record("t", execAt))
	}
	if f.Len() != DefaultCap {
		t.Fatalf("Len = %d, want %d", f.Len(), DefaultCap)
	}
}

func TestDismiss(t *testing.T) {
	t.Parallel()
	f := NewFeed(10, logx.Nop())
	f.Push(record("t1", execAt))
	f.Push(record("t2", execAt))

	active := f.Active()
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}

	if !f.Dismiss(active[0].ID) {
		t.Fatal("Dismiss returned false for a known id")
	}
	if f.Dismiss("nope") {
		t.Fatal("Dismiss returned true for an unknown id")
	}

	remaining := f.Active()
	if len(remaining) != 1 || remaining[0].ID == active[0].ID {
		t.Fatalf("active after dismiss = %+v", remaining)
	}
	// Dismissed entries still count toward the capacity bound.
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}
}

func TestDismissAll(t *testing.T) {
	t.Parallel()
	f := NewFeed(10, logx.Nop())
	f.Push(record("t1", execAt))
	f.Push(record("t2", execAt))

	f.DismissAll()
	if got := f.Active(); len(got) != 0 {
		t.Fatalf("active after DismissAll = %+v, want empty", got)
	}
}

func TestPruneOlderThan(t *testing.T) {
	t.Parallel()
	f := NewFeed(10, logx.Nop())
	f.Push(record("old", execAt.Add(-31*24*time.Hour)))
	f.Push(record("fresh", execAt.Add(-time.Hour)))

	// Dismissal does not shield an entry from pruning.
	f.Dismiss(f.Active()[1].ID)

	if n := f.PruneOlderThan(execAt.Add(-30 * 24 * time.Hour)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if f.Len() != 1 {
		t.Fatalf("Len = %d, want 1", f.Len())
	}
}
