package sched

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"untild/internal/apply"
	rtsup "untild/internal/runtime/supervisor"
	"untild/internal/timespec"
	logx "untild/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		registry: deps.Registry,
		library:  deps.Library,
		auth:     deps.Auth,
		bus:      deps.Bus,
		feed:     deps.Feed,
		hooks:    deps.Hooks,
		nowFn:    time.Now,
		attempts: map[string]int{},
	}
	s.loc = loadLocation(cfg.Timezone, log)
	s.resolver = timespec.NewResolver(s.loc)
	s.resolver.Now = s.now
	s.validate = apply.Validator{Library: deps.Library, Registry: deps.Registry}
	return s
}

func newSupervisor(ctx context.Context, log logx.Logger) *rtsup.Supervisor {
	return rtsup.New(ctx, rtsup.WithLogger(log))
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// now returns the current instant in the reference timezone.
func (s *Service) now() time.Time {
	s.mu.Lock()
	loc := s.loc
	fn := s.nowFn
	s.mu.Unlock()
	return fn().In(loc)
}

// SetNow pins the clock. Test hook; also propagated to the time resolver.
func (s *Service) SetNow(fn func() time.Time) {
	s.mu.Lock()
	s.nowFn = fn
	s.resolver.Now = fn
	s.mu.Unlock()
}

// Resolver exposes the service's time resolver (shared reference timezone).
func (s *Service) Resolver() *timespec.Resolver { return s.resolver }

// Start runs the reconcile pass and wires the periodic triggers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()

	// Crash recovery: a pending row whose id already has history was executed
	// but not deleted; finishing the delete here prevents double application.
	repaired, err := s.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	if repaired > 0 {
		s.log.Warn("reconciled partially-committed executions", logx.Int("count", repaired))
	}

	if !cfg.Enabled {
		s.log.Info("dispatcher disabled; periodic triggers not started")
		return nil
	}

	sup := newSupervisor(ctx, s.log)
	c := cron.New(cron.WithLocation(loc))

	if _, err := c.AddFunc("@every "+cfg.TickInterval.String(), func() {
		if err := s.Tick(sup.Context()); err != nil {
			s.log.Error("tick failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every "+cfg.MaintenanceInterval.String(), func() {
		s.Maintain(sup.Context())
	}); err != nil {
		return err
	}

	if s.feed != nil && s.bus != nil {
		s.feed.Attach(s.bus, sup)
	}

	c.Start()

	s.mu.Lock()
	s.c = c
	s.sup = sup
	s.mu.Unlock()

	s.log.Info("dispatcher started",
		logx.String("tz", loc.String()),
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("max_batch", cfg.MaxBatch))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.mu.Unlock()

	if c != nil {
		// Let an in-flight tick finish before tearing down.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// Apply swaps runtime-tunable settings. A timezone change rebuilds the
// location, the resolver, and the cron triggers.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	running := s.c != nil
	s.cfg = cfg
	tzChanged := oldTZ != strings.TrimSpace(cfg.Timezone)
	if tzChanged {
		s.loc = loadLocation(cfg.Timezone, s.log)
		s.resolver.Loc = s.loc
	}
	s.mu.Unlock()

	if running && tzChanged {
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}
