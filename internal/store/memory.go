package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"untild/internal/change"
)

// memStore keeps everything in process memory. Used by tests and for
// throwaway runs; it mirrors the sqlite driver's semantics exactly,
// including the history-first commit ordering.
type memStore struct {
	mu      sync.Mutex
	changes map[string]change.Change
	history []change.HistoryRecord
	histIDs map[string]bool
}

func NewMemory() Store {
	return &memStore{
		changes: map[string]change.Change{},
		histIDs: map[string]bool{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Add(_ context.Context, c change.Change) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = change.StatusPending
	}
	s.changes[c.ID] = c
	return c.ID, nil
}

func (s *memStore) Get(_ context.Context, id string) (change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok {
		return change.Change{}, change.ErrNotFound
	}
	return c, nil
}

func matches(f change.Filter, targetID string, kind change.Kind, status change.Status) bool {
	if f.TargetID != "" && f.TargetID != targetID {
		return false
	}
	if f.Kind != "" && f.Kind != kind {
		return false
	}
	if f.Status != "" && f.Status != status {
		return false
	}
	return true
}

func (s *memStore) List(_ context.Context, f change.Filter, p change.Page) ([]change.Change, error) {
	p = p.OrDefault()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []change.Change
	for _, c := range s.changes {
		if matches(f, c.TargetID, c.Kind, c.Status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return pageSlice(out, p), nil
}

func pageSlice[T any](in []T, p change.Page) []T {
	if p.Offset >= len(in) {
		return nil
	}
	in = in[p.Offset:]
	if len(in) > p.Limit {
		in = in[:p.Limit]
	}
	return in
}

func (s *memStore) Count(_ context.Context, f change.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.changes {
		if matches(f, c.TargetID, c.Kind, c.Status) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok || c.Status != change.StatusPending {
		return false, nil
	}
	c.Status = change.StatusCancelled
	s.changes[id] = c
	return true, nil
}

func (s *memStore) Due(_ context.Context, now time.Time, limit int) ([]change.Change, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []change.Change
	for _, c := range s.changes {
		if c.Status == change.StatusPending && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CommitExecution(_ context.Context, id, oldValue, executedBy string, executedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.changes[id]
	if !ok || c.Status != change.StatusPending {
		return false, nil
	}
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	// History first; the id guard makes a retried commit a no-op.
	if !s.histIDs[id] {
		s.history = append(s.history, change.HistoryRecord{
			ID:          c.ID,
			TargetID:    c.TargetID,
			Kind:        c.Kind,
			OldValue:    oldValue,
			NewValue:    c.NewValue,
			ScheduledAt: c.ScheduledAt,
			ExecutedAt:  executedAt,
			ExecutedBy:  executedBy,
			CreatedBy:   c.CreatedBy,
		})
		s.histIDs[id] = true
	}
	delete(s.changes, id)
	return true, nil
}

func (s *memStore) History(_ context.Context, f change.Filter, p change.Page) ([]change.HistoryRecord, error) {
	p = p.OrDefault()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []change.HistoryRecord
	for _, h := range s.history {
		if matches(f, h.TargetID, h.Kind, "") {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return pageSlice(out, p), nil
}

func (s *memStore) CountHistory(_ context.Context, f change.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.history {
		if matches(f, h.TargetID, h.Kind, "") {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Stats(_ context.Context, days int, now time.Time) (change.Stats, error) {
	if days <= 0 {
		days = 30
	}
	from := now.AddDate(0, 0, -days)
	st := change.Stats{Days: days}

	byKind := map[change.Kind]int{}
	byTarget := map[string]int{}
	s.mu.Lock()
	for _, h := range s.history {
		if h.ExecutedAt.Before(from) {
			continue
		}
		st.Total++
		byKind[h.Kind]++
		byTarget[h.TargetID]++
	}
	s.mu.Unlock()

	for k, n := range byKind {
		st.ByKind = append(st.ByKind, change.KindCount{Kind: k, Count: n})
	}
	sort.Slice(st.ByKind, func(i, j int) bool { return st.ByKind[i].Kind < st.ByKind[j].Kind })

	for t, n := range byTarget {
		st.TopTargets = append(st.TopTargets, change.TargetCount{TargetID: t, Count: n})
	}
	sort.Slice(st.TopTargets, func(i, j int) bool {
		if st.TopTargets[i].Count != st.TopTargets[j].Count {
			return st.TopTargets[i].Count > st.TopTargets[j].Count
		}
		return st.TopTargets[i].TargetID < st.TopTargets[j].TargetID
	})
	if len(st.TopTargets) > 5 {
		st.TopTargets = st.TopTargets[:5]
	}
	return st, nil
}

func (s *memStore) PurgeHistoryBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	removed := 0
	for _, h := range s.history {
		if h.ExecutedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return removed, nil
}

func (s *memStore) Reconcile(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.changes {
		if s.histIDs[id] {
			delete(s.changes, id)
			n++
		}
	}
	return n, nil
}
