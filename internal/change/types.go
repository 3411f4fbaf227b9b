package change

import "time"

// Status is the live state of a scheduled change.
//
// Executed is intentionally NOT a status: a successfully executed change is
// deleted from the live table and replaced by a HistoryRecord. The live table
// only ever holds pending and cancelled rows.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

// Kind selects which mutation strategy applies to a change.
type Kind string

const (
	KindStatus Kind = "status"
	KindFlag   Kind = "flag"
)

// Change is a deferred mutation waiting for its scheduled instant.
//
// ScheduledAt is always a concrete instant in the reference timezone; all
// relative-to-absolute resolution happens before the record is persisted.
type Change struct {
	ID          string
	TargetID    string
	Kind        Kind
	NewValue    string
	ScheduledAt time.Time
	CreatedBy   string
	CreatedAt   time.Time
	Status      Status
}

// DispatcherPrincipal is the ExecutedBy sentinel used when the automated
// dispatcher (not a user) executed a change.
const DispatcherPrincipal = ""

// HistoryRecord is the permanent trace of one executed change.
// Immutable once written; removed only by age-based pruning.
type HistoryRecord struct {
	ID          string
	TargetID    string
	Kind        Kind
	OldValue    string
	NewValue    string
	ScheduledAt time.Time
	ExecutedAt  time.Time
	ExecutedBy  string
	CreatedBy   string
}

// Notification is a UI-feed entry derived from one execution.
// Ephemeral and non-authoritative; losing it has no correctness impact.
type Notification struct {
	ID         string
	TargetID   string
	Kind       Kind
	OldValue   string
	NewValue   string
	ExecutedAt time.Time
	Dismissed  bool
}

// Filter narrows listing/count queries. Zero values mean "any".
type Filter struct {
	TargetID string
	Kind     Kind
	Status   Status
}

// Page bounds a listing query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) OrDefault() Page {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// KindCount is one per-kind bucket in Stats.
type KindCount struct {
	Kind  Kind
	Count int
}

// TargetCount is one per-target bucket in Stats.
type TargetCount struct {
	TargetID string
	Count    int
}

// Stats summarizes executed history over a trailing window.
type Stats struct {
	Days       int
	Total      int
	ByKind     []KindCount
	TopTargets []TargetCount
}
