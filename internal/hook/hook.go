// Package hook fans executed-change records out to host-supplied callbacks.
// Hooks run after the commit; their errors are logged and never roll back the
// mutation, which already happened.
package hook

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"untild/internal/change"
	logx "untild/pkg/logx"
)

// Hook is one post-execution callback.
type Hook interface {
	ChangeExecuted(ctx context.Context, rec change.HistoryRecord)
}

// Func adapts a function to Hook.
type Func func(ctx context.Context, rec change.HistoryRecord)

func (f Func) ChangeExecuted(ctx context.Context, rec change.HistoryRecord) { f(ctx, rec) }

// Dispatcher is a rate-limited, fire-and-forget fanout over registered hooks.
type Dispatcher struct {
	mu      sync.RWMutex
	hooks   []Hook
	limiter *rate.Limiter
	log     logx.Logger
}

func NewDispatcher(ratePerSec int, log logx.Logger) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}
}

func (d *Dispatcher) Register(h Hook) {
	d.mu.Lock()
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
}

// Fire invokes every hook with rec. A panicking hook is logged and skipped;
// the rate limiter bounds bursts when many changes execute in one tick.
func (d *Dispatcher) Fire(ctx context.Context, rec change.HistoryRecord) {
	d.mu.RLock()
	hooks := make([]Hook, len(d.hooks))
	copy(hooks, d.hooks)
	d.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("post-execution hook panicked",
						logx.String("change_id", rec.ID), logx.Any("panic", r))
				}
			}()
			h.ChangeExecuted(ctx, rec)
		}()
	}
}
