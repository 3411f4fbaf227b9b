package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"untild/internal/apply"
	"untild/internal/content"
	"untild/internal/eventbus"
	"untild/internal/hook"
	"untild/internal/notify"
	rtsup "untild/internal/runtime/supervisor"
	"untild/internal/store"
	"untild/internal/timespec"
	logx "untild/pkg/logx"
)

// ErrNotAllowed is returned when the requesting principal fails the
// authorization check for a cancel or maintenance action.
var ErrNotAllowed = errors.New("principal not allowed")

// Config controls the dispatch service.
type Config struct {
	Enabled bool

	// Timezone is the reference timezone (IANA name). Empty means local.
	Timezone string

	// TickInterval is how often due changes are dispatched.
	TickInterval time.Duration

	// MaxBatch caps per-tick work so a backlog cannot produce an unbounded tick.
	MaxBatch int

	// RetryMax bounds execution attempts per record; 0 retries forever,
	// matching the original dispatcher.
	RetryMax int

	// MaintenanceInterval is how often history and notifications are pruned.
	MaintenanceInterval time.Duration

	// RetentionDays is the history retention window.
	RetentionDays int

	// NotificationMaxAge is the notification feed retention window.
	NotificationMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 24 * time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.NotificationMaxAge <= 0 {
		c.NotificationMaxAge = 30 * 24 * time.Hour
	}
	return c
}

// ScheduleRequest is one incoming deferred-mutation request.
type ScheduleRequest struct {
	TargetID    string
	Kind        string
	NewValue    string
	When        timespec.Spec
	RequestedBy string
}

// Deps are the collaborators the service orchestrates over.
type Deps struct {
	Store    store.Store
	Registry *apply.Registry
	Library  content.Library
	Auth     content.Authorizer
	Bus      eventbus.Bus
	Feed     *notify.Feed
	Hooks    *hook.Dispatcher
	Logger   logx.Logger
}

// Service is the scheduling core. Stateless orchestration over the store;
// safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log      logx.Logger
	store    store.Store
	registry *apply.Registry
	library  content.Library
	auth     content.Authorizer
	bus      eventbus.Bus
	feed     *notify.Feed
	hooks    *hook.Dispatcher

	resolver *timespec.Resolver
	validate apply.Validator

	// nowFn is injectable so tests can pin the clock.
	nowFn func() time.Time

	c   *cron.Cron
	sup *rtsup.Supervisor

	// tickMu is the process-wide overlap guard: at most one tick at a time.
	tickMu sync.Mutex

	// attempts tracks per-record execution failures, only consulted when
	// RetryMax > 0. Entries clear on success, cancel, or process restart.
	amu      sync.Mutex
	attempts map[string]int
}
