// Package runner triggers reminder scans on a fixed interval.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conorfennell/recall/internal/lease"
	"github.com/conorfennell/recall/internal/logging"
	"github.com/conorfennell/recall/internal/reminder"
)

// Scanner runs one due-scan.
type Scanner interface {
	Scan(ctx context.Context, now time.Time) (reminder.ScanResult, error)
}

// Locker hands out the cross-process scan lease. See lease.Redis.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Runner schedules scans. A scan still running when the next tick fires is
// not overlapped; the tick is skipped.
type Runner struct {
	cron     *cron.Cron
	scanner  Scanner
	locker   Locker
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a runner. locker may be nil when only one process scans.
func New(scanner Scanner, locker Locker, interval time.Duration, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "runner")
	cl := logging.CronLogger(log)
	return &Runner{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		scanner:  scanner,
		locker:   locker,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

// Start schedules a scan every interval until Stop is called or ctx ends.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		_, _ = r.RunOnce(runCtx)
	}))
	r.cron.Start()
	r.log.Info("reminder scans scheduled", "interval", r.interval)
}

// Stop cancels the running scan, if any, and waits for it to wind down.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}

// RunOnce runs a single scan bounded by the interval, under the lease when one
// is configured. A lease held elsewhere skips the scan without error.
func (r *Runner) RunOnce(ctx context.Context) (reminder.ScanResult, error) {
	if r.locker != nil {
		release, err := r.locker.Acquire(ctx)
		if errors.Is(err, lease.ErrHeld) {
			r.log.Debug("scan skipped, lease held elsewhere")
			return reminder.ScanResult{}, nil
		}
		if err != nil {
			r.log.Error("failed to acquire scan lease", "error", err)
			return reminder.ScanResult{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("failed to release scan lease", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	res, err := r.scanner.Scan(ctx, r.now().UTC())
	if err != nil {
		r.log.Error("reminder scan failed", "error", err)
		return res, err
	}
	if res.Interrupted {
		r.log.Warn("reminder scan interrupted, the rest waits for the next tick", "scanned", res.Scanned)
	}
	return res, nil
}
