// Package reminder scans for due reminders and delivers them on their
// channels, deferring during quiet hours and retrying failures with backoff
// until they are sent or dead-lettered.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/storage"
)

// ErrDispatchFailure is wrapped by every channel delivery failure.
var ErrDispatchFailure = errors.New("dispatch failure")

// DispatchError is a failed delivery on one channel.
type DispatchError struct {
	Channel domain.Channel
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatchFailure, e.Err}
}

// Store is the reminder row store.
type Store interface {
	ListDueReminders(ctx context.Context, now time.Time, after storage.ReminderCursor, limit int) ([]domain.Reminder, error)
	SaveDispatch(ctx context.Context, r domain.Reminder, expectedVersion int64) (domain.Reminder, error)
}

// Ledger remembers which channels accepted a logical reminder. A channel is
// claimed before it is sent so that concurrent scans sharing the ledger
// deliver it at most once.
type Ledger interface {
	DeliveredChannels(ctx context.Context, ownerID, deliveryKey string) (map[domain.Channel]bool, error)
	ClaimDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, at, staleBefore time.Time) (bool, error)
	CompleteDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, at time.Time) error
	ReleaseDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, claimedAt time.Time) error
}

// OwnerSource resolves the owner of a reminder.
type OwnerSource interface {
	Owner(ctx context.Context, id string) (domain.Owner, error)
}

// Alerter is told about reminders that exhausted their retries.
type Alerter interface {
	DeadLettered(ctx context.Context, r domain.Reminder)
}

// Options tune a Dispatcher. Zero fields take defaults.
type Options struct {
	BatchSize   int
	Workers     int
	SendTimeout time.Duration
	// ClaimTTL is how long a delivery claim is honoured before another
	// attempt may take it over. It defaults to one SendTimeout per channel
	// plus one.
	ClaimTTL time.Duration
	Backoff  Backoff
	// Rand returns uniform samples in [0, 1) for backoff jitter. It must be
	// safe for concurrent use.
	Rand   func() float64
	Logger *slog.Logger
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Scanned      int
	Sent         int
	Deduplicated int
	Deferred     int
	Failed       int
	DeadLettered int
	Conflicts    int
	// InFlight counts reminders skipped because another attempt holds a
	// claim on one of their channels.
	InFlight int
	Errors   int
	// Interrupted is set when the context ended before the due set was
	// exhausted. Remaining reminders are picked up by the next scan.
	Interrupted bool
}

type scanCounters struct {
	scanned, sent, deduplicated, deferred, failed, deadLettered, conflicts, inFlight, errors atomic.Int64
}

func (c *scanCounters) result() ScanResult {
	return ScanResult{
		Scanned:      int(c.scanned.Load()),
		Sent:         int(c.sent.Load()),
		Deduplicated: int(c.deduplicated.Load()),
		Deferred:     int(c.deferred.Load()),
		Failed:       int(c.failed.Load()),
		DeadLettered: int(c.deadLettered.Load()),
		Conflicts:    int(c.conflicts.Load()),
		InFlight:     int(c.inFlight.Load()),
		Errors:       int(c.errors.Load()),
	}
}

// Dispatcher runs due-scans. Scans may overlap, in this process or in
// another one sharing the ledger; delivery claims keep them from sending a
// channel twice.
type Dispatcher struct {
	store   Store
	ledger  Ledger
	owners  OwnerSource
	senders map[domain.Channel]Sender
	alerter Alerter
	opts    Options
	log     *slog.Logger
}

// NewDispatcher wires a dispatcher. Channels without a sender fail every
// delivery attempt on that channel.
func NewDispatcher(store Store, ledger Ledger, owners OwnerSource, senders []Sender, alerter Alerter, opts Options) (*Dispatcher, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Duration(len(domain.Channels)+1) * opts.SendTimeout
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if err := opts.Backoff.Validate(); err != nil {
		return nil, err
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if alerter == nil {
		alerter = NewLogAlerter(opts.Logger)
	}

	bySender := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		bySender[s.Channel()] = s
	}

	return &Dispatcher{
		store:   store,
		ledger:  ledger,
		owners:  owners,
		senders: bySender,
		alerter: alerter,
		opts:    opts,
		log:     opts.Logger.With("component", "dispatcher"),
	}, nil
}

// Scan dispatches every reminder due at now. Per-reminder failures are
// counted and logged, never returned. The error is non-nil only when the due
// set could not be read. When ctx ends, reminders already being dispatched
// finish and the rest are left for the next scan.
func (d *Dispatcher) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	var (
		counters scanCounters
		cursor   storage.ReminderCursor
		owners   = newOwnerCache(d.owners, d.log)
		locks    = newKeyLocks()
		started  = time.Now()
		result   ScanResult
	)

	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}

		batch, err := d.store.ListDueReminders(ctx, now, cursor, d.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				break
			}
			res := counters.result()
			return res, fmt.Errorf("failed to list due reminders: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		last := batch[len(batch)-1]
		cursor = storage.ReminderCursor{DueAt: last.DueAt, ID: last.ID}

		var g errgroup.Group
		g.SetLimit(d.opts.Workers)
		for _, r := range batch {
			if ctx.Err() != nil {
				break
			}
			counters.scanned.Add(1)
			g.Go(func() error {
				d.process(ctx, r, now, owners, locks, &counters)
				return nil
			})
		}
		_ = g.Wait()

		if len(batch) < d.opts.BatchSize {
			if ctx.Err() != nil {
				result.Interrupted = true
			}
			break
		}
	}

	interrupted := result.Interrupted
	result = counters.result()
	result.Interrupted = interrupted

	d.log.Info("reminder scan complete",
		"now", now,
		"scanned", result.Scanned,
		"sent", result.Sent,
		"deduplicated", result.Deduplicated,
		"deferred", result.Deferred,
		"failed", result.Failed,
		"dead_lettered", result.DeadLettered,
		"conflicts", result.Conflicts,
		"in_flight", result.InFlight,
		"errors", result.Errors,
		"interrupted", result.Interrupted,
		"took", time.Since(started),
	)
	return result, nil
}

func (d *Dispatcher) process(ctx context.Context, r domain.Reminder, now time.Time, owners *ownerCache, locks *keyLocks, c *scanCounters) {
	log := d.log.With("reminder_id", r.ID, "owner_id", r.OwnerID)
	// Started items run to completion so their bookkeeping is not lost when
	// the scan is cancelled. Sends are still bounded by SendTimeout.
	ctx = context.WithoutCancel(ctx)

	owner, quiet, err := owners.get(ctx, r.OwnerID)
	if err != nil {
		c.errors.Add(1)
		log.Error("failed to resolve owner", "error", err)
		return
	}
	if quiet.Contains(now) {
		c.deferred.Add(1)
		log.Debug("reminder deferred by quiet hours",
			"state", Deferred.String(),
			"quiet_start", quiet.Start.String(),
			"quiet_end", quiet.End.String(),
			"eligible_at", quiet.EndAfter(now),
		)
		return
	}

	key := r.DeliveryKey()
	unlock := locks.lock(r.OwnerID + "\x00" + key)
	defer unlock()

	delivered, err := d.ledger.DeliveredChannels(ctx, r.OwnerID, key)
	if err != nil {
		c.errors.Add(1)
		log.Error("failed to read delivery ledger", "error", err)
		return
	}

	next := r
	if allDelivered(r.Channels, delivered) {
		next.Sent = true
		next.SentAt = &now
		next.NextAttemptAt = nil
		if d.save(ctx, log, r, next, c) {
			c.deduplicated.Add(1)
			log.Info("reminder already delivered, marked sent", "delivery_key", key)
		}
		return
	}

	claimedAt := time.Now()
	pending, ok := d.claim(ctx, log, r, key, delivered, claimedAt, c)
	if !ok {
		return
	}

	log.Debug("dispatching reminder", "state", Dispatching.String(), "attempt", r.AttemptCount+1, "channels", pending)

	var failures []error
	delivery := Delivery{Reminder: r, Owner: owner, At: now}
	for _, ch := range pending {
		if err := d.send(ctx, ch, delivery); err != nil {
			failures = append(failures, err)
			d.release(ctx, log, r, key, ch, claimedAt)
			continue
		}
		if err := d.ledger.CompleteDelivery(ctx, r.OwnerID, key, ch, r.ID, now); err != nil {
			failures = append(failures, &DispatchError{Channel: ch, Err: err})
		}
	}

	next.AttemptCount = r.AttemptCount + 1
	next.LastAttemptAt = &now

	if len(failures) == 0 {
		next.Sent = true
		next.SentAt = &now
		next.LastError = ""
		next.NextAttemptAt = nil
		if d.save(ctx, log, r, next, c) {
			c.sent.Add(1)
			log.Info("reminder sent", "state", Sent.String(), "attempt", next.AttemptCount)
		}
		return
	}

	dispatchErr := errors.Join(failures...)
	next.LastError = dispatchErr.Error()

	if d.opts.Backoff.Exhausted(next.AttemptCount) {
		next.DeadLetteredAt = &now
		next.NextAttemptAt = nil
		if d.save(ctx, log, r, next, c) {
			c.deadLettered.Add(1)
			log.Error("reminder dead-lettered", "state", DeadLettered.String(), "attempts", next.AttemptCount, "error", dispatchErr)
			d.alerter.DeadLettered(ctx, next)
		}
		return
	}

	retryAt := now.Add(d.opts.Backoff.Delay(next.AttemptCount, d.opts.Rand()))
	next.NextAttemptAt = &retryAt
	if d.save(ctx, log, r, next, c) {
		c.failed.Add(1)
		log.Warn("reminder dispatch failed, will retry",
			"state", RetryWaiting.String(),
			"attempt", next.AttemptCount,
			"retry_at", retryAt,
			"error", dispatchErr,
		)
	}
}

// claim reserves every channel of r not yet delivered. Claims are stamped
// with wall-clock time so their expiry does not depend on the scan's now.
// When any channel is held elsewhere the claims taken so far are released
// and the reminder is left for a later scan.
func (d *Dispatcher) claim(ctx context.Context, log *slog.Logger, r domain.Reminder, key string, delivered map[domain.Channel]bool, at time.Time, c *scanCounters) ([]domain.Channel, bool) {
	staleBefore := at.Add(-d.opts.ClaimTTL)
	var claimed []domain.Channel
	for _, ch := range r.Channels {
		if delivered[ch] {
			continue
		}
		ok, err := d.ledger.ClaimDelivery(ctx, r.OwnerID, key, ch, r.ID, at, staleBefore)
		if err == nil && ok {
			claimed = append(claimed, ch)
			continue
		}
		for _, held := range claimed {
			d.release(ctx, log, r, key, held, at)
		}
		if err != nil {
			c.errors.Add(1)
			log.Error("failed to claim delivery", "channel", ch, "error", err)
		} else {
			c.inFlight.Add(1)
			log.Info("delivery in flight elsewhere, leaving it for the next scan", "channel", ch, "delivery_key", key)
		}
		return nil, false
	}
	return claimed, true
}

func (d *Dispatcher) release(ctx context.Context, log *slog.Logger, r domain.Reminder, key string, ch domain.Channel, claimedAt time.Time) {
	if err := d.ledger.ReleaseDelivery(ctx, r.OwnerID, key, ch, r.ID, claimedAt); err != nil {
		log.Warn("failed to release delivery claim, it will expire", "channel", ch, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch domain.Channel, delivery Delivery) error {
	sender, ok := d.senders[ch]
	if !ok {
		return &DispatchError{Channel: ch, Err: errors.New("no sender configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if err := sender.Send(ctx, delivery); err != nil {
		return &DispatchError{Channel: ch, Err: err}
	}
	return nil
}

// save writes next over prev and reports whether it was committed.
func (d *Dispatcher) save(ctx context.Context, log *slog.Logger, prev, next domain.Reminder, c *scanCounters) bool {
	if _, err := d.store.SaveDispatch(ctx, next, prev.Version); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			c.conflicts.Add(1)
			log.Warn("reminder changed during dispatch, leaving it for the next scan", "error", err)
			return false
		}
		c.errors.Add(1)
		log.Error("failed to save dispatch outcome", "error", err)
		return false
	}
	return true
}

func allDelivered(channels []domain.Channel, delivered map[domain.Channel]bool) bool {
	if len(delivered) == 0 {
		return false
	}
	for _, ch := range channels {
		if !delivered[ch] {
			return false
		}
	}
	return true
}

// keyLocks serialises delivery of reminders sharing a delivery key within
// one scan.
type keyLocks struct {
	mu    sync.Mutex
	byKey map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{byKey: make(map[string]*sync.Mutex)}
}

func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.byKey[key]
	if !ok {
		m = &sync.Mutex{}
		l.byKey[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// ownerCache resolves each owner at most once per scan.
type ownerCache struct {
	source OwnerSource
	log    *slog.Logger
	mu     sync.Mutex
	byID   map[string]ownerEntry
}

type ownerEntry struct {
	owner domain.Owner
	quiet QuietHours
}

func newOwnerCache(source OwnerSource, log *slog.Logger) *ownerCache {
	return &ownerCache{source: source, log: log, byID: make(map[string]ownerEntry)}
}

func (c *ownerCache) get(ctx context.Context, id string) (domain.Owner, QuietHours, error) {
	c.mu.Lock()
	e, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return e.owner, e.quiet, nil
	}

	owner, err := c.source.Owner(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		owner = domain.Owner{ID: id}
	case err != nil:
		return domain.Owner{}, QuietHours{}, err
	}

	quiet, err := QuietHoursFor(owner)
	if err != nil {
		c.log.Warn("ignoring malformed quiet hours", "owner_id", id, "error", err)
		quiet = QuietHours{}
	}

	c.mu.Lock()
	c.byID[id] = ownerEntry{owner: owner, quiet: quiet}
	c.mu.Unlock()
	return owner, quiet, nil
}
