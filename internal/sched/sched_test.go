package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"untild/internal/apply"
	"untild/internal/change"
	"untild/internal/content"
	"untild/internal/store"
	"untild/internal/timespec"
)

var refNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   store.Store
	library *content.MemLibrary
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	lib := content.NewMemLibrary()
	lib.Put(content.Item{ID: "post-1", Title: "Hello", Status: "draft"})

	st := store.NewMemory()
	reg := apply.NewRegistry(
		apply.StatusApplier{Library: lib},
		apply.FlagApplier{Library: lib, Flag: "featured"},
	)

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	svc := New(cfg, Deps{
		Store:    st,
		Registry: reg,
		Library:  lib,
		Auth:     content.AllowAll{},
	})
	svc.SetNow(func() time.Time { return refNow })
	return &fixture{svc: svc, store: st, library: lib}
}

func TestScheduleRelativeChange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	id, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID:    "post-1",
		Kind:        "status",
		NewValue:    "publish",
		When:        timespec.Relative(1, timespec.UnitHour),
		RequestedBy: "editor",
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	rec, err := fx.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != change.StatusPending {
		t.Fatalf("Status = %q, want pending", rec.Status)
	}
	want := refNow.Add(time.Hour)
	if !rec.ScheduledAt.Equal(want) {
		t.Fatalf("ScheduledAt = %v, want %v", rec.ScheduledAt, want)
	}
	if rec.CreatedBy != "editor" {
		t.Fatalf("CreatedBy = %q, want editor", rec.CreatedBy)
	}
}

func TestScheduleRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  ScheduleRequest
		want error
	}{
		{
			name: "unknown target",
			req:  ScheduleRequest{TargetID: "gone", Kind: "status", NewValue: "publish", When: timespec.Relative(1, timespec.UnitHour)},
			want: change.ErrUnknownTarget,
		},
		{
			name: "unsupported kind",
			req:  ScheduleRequest{TargetID: "post-1", Kind: "category", NewValue: "news", When: timespec.Relative(1, timespec.UnitHour)},
			want: change.ErrUnsupportedKind,
		},
		{
			name: "illegal status value",
			req:  ScheduleRequest{TargetID: "post-1", Kind: "status", NewValue: "published", When: timespec.Relative(1, timespec.UnitHour)},
			want: change.ErrIllegalValue,
		},
		{
			name: "illegal flag value",
			req:  ScheduleRequest{TargetID: "post-1", Kind: "flag", NewValue: "true", When: timespec.Relative(1, timespec.UnitHour)},
			want: change.ErrIllegalValue,
		},
		{
			name: "bad time spec",
			req:  ScheduleRequest{TargetID: "post-1", Kind: "status", NewValue: "publish", When: timespec.Relative(-1, timespec.UnitHour)},
			want: change.ErrInvalidTimeSpec,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.svc.ScheduleChange(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	// None of those reached the store.
	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}
}

func TestTickExecutesDueStatusChange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	id, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitHour), RequestedBy: "editor",
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	// Not yet due: nothing moves.
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}

	fx.svc.SetNow(func() time.Time { return refNow.Add(time.Hour + time.Second) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	item, _, _ := fx.library.Get(ctx, "post-1")
	if item.Status != "publish" {
		t.Fatalf("item status = %q, want publish", item.Status)
	}
	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}

	hist, err := fx.svc.ListHistory(ctx, change.Filter{}, change.Page{})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(hist))
	}
	h := hist[0]
	if h.ID != id || h.OldValue != "draft" || h.NewValue != "publish" {
		t.Fatalf("history = %+v, want id %s draft -> publish", h, id)
	}
	if h.ExecutedBy != change.DispatcherPrincipal {
		t.Fatalf("ExecutedBy = %q, want dispatcher principal", h.ExecutedBy)
	}

	// A second tick finds nothing; the item is not mutated again.
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n, _ := fx.store.CountHistory(ctx, change.Filter{}); n != 1 {
		t.Fatalf("history count = %d, want 1", n)
	}
}

func TestTickExecutesFlagChange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "flag", NewValue: "yes",
		When: timespec.Relative(5, timespec.UnitMinute),
	}); err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	fx.svc.SetNow(func() time.Time { return refNow.Add(10 * time.Minute) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	item, _, _ := fx.library.Get(ctx, "post-1")
	if !item.Flags["featured"] {
		t.Fatal("featured flag not set")
	}
	hist, _ := fx.svc.ListHistory(ctx, change.Filter{}, change.Page{})
	if len(hist) != 1 || hist[0].OldValue != "no" || hist[0].NewValue != "yes" {
		t.Fatalf("history = %+v, want no -> yes", hist)
	}
}

func TestTickCancelsWhenTargetDeleted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	id, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitMinute),
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	fx.library.Delete("post-1")
	fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Minute) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rec, err := fx.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != change.StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", rec.Status)
	}
	if n, _ := fx.store.CountHistory(ctx, change.Filter{}); n != 0 {
		t.Fatalf("history count = %d, want 0", n)
	}
}

func TestTickBatchLimit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{MaxBatch: 50})
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		fx.library.Put(content.Item{ID: fmt.Sprintf("p%02d", i), Status: "draft"})
		if _, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
			TargetID: fmt.Sprintf("p%02d", i), Kind: "status", NewValue: "publish",
			When: timespec.Relative(i+1, timespec.UnitMinute),
		}); err != nil {
			t.Fatalf("ScheduleChange %d: %v", i, err)
		}
	}

	fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Hour) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 10 {
		t.Fatalf("pending after first tick = %d, want 10", n)
	}

	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 0 {
		t.Fatalf("pending after second tick = %d, want 0", n)
	}
	if n, _ := fx.store.CountHistory(ctx, change.Filter{}); n != 60 {
		t.Fatalf("history count = %d, want 60", n)
	}
}

// failingLibrary wraps MemLibrary and fails every SetStatus.
type failingLibrary struct {
	*content.MemLibrary
}

func (failingLibrary) SetStatus(context.Context, string, string) (string, error) {
	return "", errors.New("backend down")
}

func TestTickApplyFailureStaysPending(t *testing.T) {
	t.Parallel()

	lib := content.NewMemLibrary()
	lib.Put(content.Item{ID: "post-1", Status: "draft"})
	flib := failingLibrary{lib}

	st := store.NewMemory()
	svc := New(Config{Timezone: "UTC"}, Deps{
		Store:    st,
		Registry: apply.NewRegistry(apply.StatusApplier{Library: flib}),
		Library:  flib,
	})
	svc.SetNow(func() time.Time { return refNow })

	ctx := context.Background()
	id, err := svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitMinute),
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	svc.SetNow(func() time.Time { return refNow.Add(2 * time.Minute) })
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rec, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != change.StatusPending {
		t.Fatalf("Status = %q, want pending (retried next tick)", rec.Status)
	}
	if n, _ := st.CountHistory(ctx, change.Filter{}); n != 0 {
		t.Fatalf("history count = %d, want 0", n)
	}
}

func TestTickRetryBudget(t *testing.T) {
	t.Parallel()

	lib := content.NewMemLibrary()
	lib.Put(content.Item{ID: "post-1", Status: "draft"})
	flib := failingLibrary{lib}

	st := store.NewMemory()
	svc := New(Config{Timezone: "UTC", RetryMax: 3}, Deps{
		Store:    st,
		Registry: apply.NewRegistry(apply.StatusApplier{Library: flib}),
		Library:  flib,
	})
	svc.SetNow(func() time.Time { return refNow.Add(time.Hour) })

	ctx := context.Background()
	id, err := svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Absolute("2025-01-01 10:00:00"),
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	rec, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != change.StatusCancelled {
		t.Fatalf("Status after exhausting retries = %q, want cancelled", rec.Status)
	}
}

func TestTickOverlapSkipped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitMinute),
	}); err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}
	fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Minute) })

	// Hold the overlap guard: the tick must skip without touching the record.
	fx.svc.tickMu.Lock()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fx.svc.Tick(ctx); err != nil {
			t.Errorf("Tick: %v", err)
		}
	}()
	wg.Wait()
	fx.svc.tickMu.Unlock()

	if n, _ := fx.svc.CountPending(ctx, change.Filter{}); n != 1 {
		t.Fatalf("pending count = %d, want 1 (overlapping tick skipped)", n)
	}
}

func TestCancelChange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	id, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitHour), RequestedBy: "editor",
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	ok, err := fx.svc.CancelChange(ctx, id, "editor")
	if err != nil || !ok {
		t.Fatalf("CancelChange = %v, %v, want true", ok, err)
	}
	// Cancelling again is a clean no-op.
	if ok, err := fx.svc.CancelChange(ctx, id, "editor"); err != nil || ok {
		t.Fatalf("second CancelChange = %v, %v, want false nil", ok, err)
	}
	// Unknown ids are not an error.
	if ok, err := fx.svc.CancelChange(ctx, "missing", "editor"); err != nil || ok {
		t.Fatalf("CancelChange(missing) = %v, %v, want false nil", ok, err)
	}

	// Cancelled records never execute.
	fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Hour) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n, _ := fx.store.CountHistory(ctx, change.Filter{}); n != 0 {
		t.Fatalf("history count = %d, want 0", n)
	}
}

func TestCancelChangeAuthorization(t *testing.T) {
	t.Parallel()

	lib := content.NewMemLibrary()
	lib.Put(content.Item{ID: "post-1", Status: "draft"})
	st := store.NewMemory()
	svc := New(Config{Timezone: "UTC"}, Deps{
		Store:    st,
		Registry: apply.NewRegistry(apply.StatusApplier{Library: lib}),
		Library:  lib,
		Auth:     content.AdminList{"boss"},
	})
	svc.SetNow(func() time.Time { return refNow })

	ctx := context.Background()
	id, err := svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitHour), RequestedBy: "boss",
	})
	if err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}

	if _, err := svc.CancelChange(ctx, id, "intruder"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
	if ok, err := svc.CancelChange(ctx, id, "boss"); err != nil || !ok {
		t.Fatalf("CancelChange as admin = %v, %v, want true", ok, err)
	}
}

func TestStatisticsWindow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{})
	ctx := context.Background()

	fx.library.Put(content.Item{ID: "post-2", Status: "draft"})
	for _, target := range []string{"post-1", "post-1", "post-2"} {
		if _, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
			TargetID: target, Kind: "status", NewValue: "publish",
			When: timespec.Relative(1, timespec.UnitMinute),
		}); err != nil {
			t.Fatalf("ScheduleChange: %v", err)
		}
		fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Minute) })
		if err := fx.svc.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		fx.svc.SetNow(func() time.Time { return refNow })
	}

	fx.svc.SetNow(func() time.Time { return refNow.Add(24 * time.Hour) })
	st, err := fx.svc.Statistics(ctx, 30)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Total != 3 {
		t.Fatalf("Total = %d, want 3", st.Total)
	}
	if len(st.TopTargets) == 0 || st.TopTargets[0].TargetID != "post-1" || st.TopTargets[0].Count != 2 {
		t.Fatalf("TopTargets = %+v, want post-1=2 first", st.TopTargets)
	}
}

func TestMaintainPurgesHistory(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{RetentionDays: 90})
	ctx := context.Background()

	// One execution now; advance the clock past the retention window.
	if _, err := fx.svc.ScheduleChange(ctx, ScheduleRequest{
		TargetID: "post-1", Kind: "status", NewValue: "publish",
		When: timespec.Relative(1, timespec.UnitMinute),
	}); err != nil {
		t.Fatalf("ScheduleChange: %v", err)
	}
	fx.svc.SetNow(func() time.Time { return refNow.Add(2 * time.Minute) })
	if err := fx.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	fx.svc.SetNow(func() time.Time { return refNow.Add(91 * 24 * time.Hour) })
	fx.svc.Maintain(ctx)

	if n, _ := fx.store.CountHistory(ctx, change.Filter{}); n != 0 {
		t.Fatalf("history count after maintain = %d, want 0", n)
	}
}
