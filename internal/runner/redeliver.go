package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/handoff/internal/store"
)

// DefaultSweepSchedule runs the redelivery sweep every minute.
const DefaultSweepSchedule = "* * * * *"

// sweepBatchSize bounds how many due deliveries one sweep picks up.
const sweepBatchSize = 100

// Redeliverer periodically sweeps the completion outbox for pending
// deliveries whose next attempt is due and re-runs them through the
// completer. It is the safety net behind the watcher's inline attempt.
type Redeliverer struct {
	store     store.Store
	completer *Completer
	schedule  cron.Schedule
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // work IDs currently being delivered (dedup)
}

// NewRedeliverer creates a Redeliverer with the given cron schedule
// (standard 5-field syntax).
func NewRedeliverer(st store.Store, completer *Completer, scheduleExpr string, logger *slog.Logger) (*Redeliverer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if scheduleExpr == "" {
		scheduleExpr = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", scheduleExpr, err)
	}
	return &Redeliverer{
		store:     st,
		completer: completer,
		schedule:  schedule,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}, nil
}

// Start launches the background sweep loop.
func (r *Redeliverer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("redeliverer already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(sweepCtx)
	r.logger.Info("redeliverer started")
	return nil
}

func (r *Redeliverer) loop(ctx context.Context) {
	defer close(r.done)

	// Run an initial sweep immediately.
	r.Sweep(ctx)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep re-attempts every due pending delivery once.
func (r *Redeliverer) Sweep(ctx context.Context) {
	due, err := r.store.ListDueDeliveries(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		r.logger.Error("list due deliveries failed", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	r.logger.Info("sweeping due completion deliveries", slog.Int("count", len(due)))
	for _, d := range due {
		if !r.tryAcquire(d.WorkID) {
			continue // already being delivered (dedup)
		}
		if err := r.completer.Deliver(ctx, d.WorkID); err != nil {
			r.logger.Warn("redelivery attempt failed",
				slog.String("work_id", d.WorkID),
				slog.String("error", err.Error()))
		}
		r.release(d.WorkID)
	}
}

// tryAcquire returns true and marks the work ID in-flight if it is not
// already being delivered.
func (r *Redeliverer) tryAcquire(workID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[workID]; ok {
		return false
	}
	r.inflight[workID] = struct{}{}
	return true
}

func (r *Redeliverer) release(workID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, workID)
}

// Stop gracefully shuts down the sweep loop.
func (r *Redeliverer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("redeliverer stopped")
	return nil
}
