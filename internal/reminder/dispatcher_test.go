package reminder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/storage"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is an in-memory Store that, unlike the SQLite store, allows two
// reminders to share a dedupe key.
type memStore struct {
	mu        sync.Mutex
	reminders map[string]domain.Reminder
	listErr   error
	saveErr   error
}

func newMemStore(rs ...domain.Reminder) *memStore {
	s := &memStore{reminders: make(map[string]domain.Reminder)}
	for _, r := range rs {
		if r.Version == 0 {
			r.Version = 1
		}
		s.reminders[r.ID] = r
	}
	return s
}

func (s *memStore) ListDueReminders(_ context.Context, now time.Time, after storage.ReminderCursor, limit int) ([]domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var due []domain.Reminder
	for _, r := range s.reminders {
		if r.Sent || r.DeadLetteredAt != nil || r.DueAt.After(now) {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		if !after.IsZero() && !(r.DueAt.After(after.DueAt) || (r.DueAt.Equal(after.DueAt) && r.ID > after.ID)) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) SaveDispatch(_ context.Context, r domain.Reminder, expectedVersion int64) (domain.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return domain.Reminder{}, s.saveErr
	}
	cur, ok := s.reminders[r.ID]
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.Reminder{}, domain.ErrConcurrencyConflict
	}
	r.Version = expectedVersion + 1
	s.reminders[r.ID] = r
	return r, nil
}

func (s *memStore) get(id string) domain.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reminders[id]
}

// memLedger mirrors the claim rules of the SQLite deliveries table.
type memLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
}

type ledgerEntry struct {
	reminderID string
	claimedAt  time.Time
	delivered  bool
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]ledgerEntry)}
}

func ledgerKey(ownerID, key string, ch domain.Channel) string {
	return ownerID + "\x00" + key + "\x00" + string(ch)
}

func (l *memLedger) DeliveredChannels(_ context.Context, ownerID, key string) (map[domain.Channel]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.Channel]bool)
	for _, ch := range domain.Channels {
		if l.entries[ledgerKey(ownerID, key, ch)].delivered {
			out[ch] = true
		}
	}
	return out, nil
}

func (l *memLedger) ClaimDelivery(_ context.Context, ownerID, key string, ch domain.Channel, reminderID string, at, staleBefore time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(ownerID, key, ch)
	if e, ok := l.entries[k]; ok && (e.delivered || !e.claimedAt.Before(staleBefore)) {
		return false, nil
	}
	l.entries[k] = ledgerEntry{reminderID: reminderID, claimedAt: at}
	return true, nil
}

func (l *memLedger) CompleteDelivery(_ context.Context, ownerID, key string, ch domain.Channel, reminderID string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(ownerID, key, ch)
	e, ok := l.entries[k]
	if !ok || e.delivered || e.reminderID != reminderID {
		return domain.ErrConcurrencyConflict
	}
	e.delivered = true
	l.entries[k] = e
	return nil
}

func (l *memLedger) ReleaseDelivery(_ context.Context, ownerID, key string, ch domain.Channel, reminderID string, claimedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(ownerID, key, ch)
	if e, ok := l.entries[k]; ok && !e.delivered && e.reminderID == reminderID && e.claimedAt.Equal(claimedAt) {
		delete(l.entries, k)
	}
	return nil
}

// claim plants a claim held by another attempt.
func (l *memLedger) claim(ownerID, key string, ch domain.Channel, reminderID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[ledgerKey(ownerID, key, ch)] = ledgerEntry{reminderID: reminderID, claimedAt: at}
}

type memOwners map[string]domain.Owner

func (o memOwners) Owner(_ context.Context, id string) (domain.Owner, error) {
	owner, ok := o[id]
	if !ok {
		return domain.Owner{}, domain.ErrNotFound
	}
	return owner, nil
}

type recordingSender struct {
	channel domain.Channel
	fail    func(ctx context.Context, d Delivery) error

	mu    sync.Mutex
	calls []string
}

func newSender(ch domain.Channel) *recordingSender {
	return &recordingSender{channel: ch}
}

func (s *recordingSender) Channel() domain.Channel { return s.channel }

func (s *recordingSender) Send(ctx context.Context, d Delivery) error {
	if s.fail != nil {
		if err := s.fail(ctx, d); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d.Reminder.ID)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

type recordingAlerter struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingAlerter) DeadLettered(_ context.Context, r domain.Reminder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, r.ID)
}

func testOptions() Options {
	return Options{
		BatchSize:   50,
		Workers:     4,
		SendTimeout: time.Second,
		Backoff:     Backoff{Base: time.Minute, Cap: time.Hour, MaxAttempts: 3, Jitter: 0.2},
		Rand:        func() float64 { return 0.5 },
		Logger:      quietLogger,
	}
}

func newTestDispatcher(t *testing.T, store Store, ledger Ledger, owners OwnerSource, alerter Alerter, opts Options, senders ...Sender) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(store, ledger, owners, senders, alerter, opts)
	require.NoError(t, err)
	return d
}

var scanStart = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func dueReminder(id string, channels ...domain.Channel) domain.Reminder {
	return domain.Reminder{
		ID:       id,
		OwnerID:  "owner",
		Title:    "Reminder " + id,
		DueAt:    scanStart.Add(-time.Minute),
		Channels: channels,
	}
}

func TestScanSendsDueReminders(t *testing.T) {
	store := newMemStore(
		dueReminder("a", domain.ChannelInApp, domain.ChannelEmail),
		dueReminder("b", domain.ChannelInApp),
		domain.Reminder{ID: "later", OwnerID: "owner", DueAt: scanStart.Add(time.Hour), Channels: []domain.Channel{domain.ChannelInApp}},
	)
	inApp, email := newSender(domain.ChannelInApp), newSender(domain.ChannelEmail)
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), inApp, email)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Sent)
	assert.ElementsMatch(t, []string{"a", "b"}, inApp.sent())
	assert.Equal(t, []string{"a"}, email.sent())

	a := store.get("a")
	assert.True(t, a.Sent)
	require.NotNil(t, a.SentAt)
	assert.Equal(t, scanStart, *a.SentAt)
	require.NotNil(t, a.LastAttemptAt)
	assert.Equal(t, scanStart, *a.LastAttemptAt)
	assert.Equal(t, 1, a.AttemptCount)
	assert.Empty(t, a.LastError)

	assert.False(t, store.get("later").Sent)
}

// Quiet-hours deferral skips the reminder and lets a later scan pick it up;
// due_at is never rewritten.
func TestScanDefersDuringQuietHours(t *testing.T) {
	due := time.Date(2025, 1, 1, 22, 0, 0, 0, time.UTC)
	store := newMemStore(domain.Reminder{ID: "r", OwnerID: "night-owl", DueAt: due, Channels: []domain.Channel{domain.ChannelInApp}})
	owners := memOwners{"night-owl": {ID: "night-owl", Timezone: "UTC", QuietStart: "21:00", QuietEnd: "08:00"}}
	inApp := newSender(domain.ChannelInApp)
	d := newTestDispatcher(t, store, newMemLedger(), owners, nil, testOptions(), inApp)

	var sentAt time.Time
	for now := due; now.Before(due.Add(24 * time.Hour)); now = now.Add(5 * time.Minute) {
		res, err := d.Scan(context.Background(), now)
		require.NoError(t, err)
		if res.Sent == 1 {
			sentAt = now
			break
		}
		assert.Equal(t, 1, res.Deferred, "scan at %s", now)
		assert.False(t, store.get("r").Sent)
	}

	assert.Equal(t, time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), sentAt)
	assert.Equal(t, due, store.get("r").DueAt)
	assert.Equal(t, []string{"r"}, inApp.sent())
	assert.Equal(t, 1, store.get("r").AttemptCount)
}

func TestScanDeduplicatesWithinAndAcrossScans(t *testing.T) {
	first := dueReminder("first", domain.ChannelInApp, domain.ChannelEmail)
	first.DedupeKey = "app-42:applied"
	second := dueReminder("second", domain.ChannelInApp, domain.ChannelEmail)
	second.DedupeKey = "app-42:applied"
	second.DueAt = first.DueAt.Add(time.Second)

	store := newMemStore(first, second)
	inApp, email := newSender(domain.ChannelInApp), newSender(domain.ChannelEmail)
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), inApp, email)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Len(t, inApp.sent(), 1)
	assert.Len(t, email.sent(), 1)
	assert.True(t, store.get("first").Sent)
	assert.True(t, store.get("second").Sent)

	// A third copy appearing later is also absorbed.
	third := dueReminder("third", domain.ChannelInApp, domain.ChannelEmail)
	third.DedupeKey = "app-42:applied"
	third.Version = 1
	store.mu.Lock()
	store.reminders["third"] = third
	store.mu.Unlock()

	res, err = d.Scan(context.Background(), scanStart.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Len(t, inApp.sent(), 1)
	assert.Len(t, email.sent(), 1)
}

// A dedupe key that spells another reminder's ID key does not absorb it.
func TestScanKeepsDedupeKeysApartFromReminderIDs(t *testing.T) {
	plain := dueReminder("a", domain.ChannelInApp)
	lookalike := dueReminder("b", domain.ChannelInApp)
	lookalike.DedupeKey = "id:a"
	legacy := dueReminder("c", domain.ChannelInApp)
	legacy.DedupeKey = "reminder:a"

	store := newMemStore(plain, lookalike, legacy)
	inApp := newSender(domain.ChannelInApp)
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), inApp)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Zero(t, res.Deduplicated)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, inApp.sent())
}

func TestScanSkipsChannelsClaimedElsewhere(t *testing.T) {
	r := dueReminder("r", domain.ChannelInApp, domain.ChannelEmail)
	store := newMemStore(r)
	ledger := newMemLedger()
	ledger.claim("owner", r.DeliveryKey(), domain.ChannelEmail, "other", time.Now())
	inApp, email := newSender(domain.ChannelInApp), newSender(domain.ChannelEmail)
	opts := testOptions()
	opts.ClaimTTL = time.Minute
	d := newTestDispatcher(t, store, ledger, memOwners{}, nil, opts, inApp, email)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.InFlight)
	assert.Zero(t, res.Sent)
	assert.Empty(t, inApp.sent())
	assert.Empty(t, email.sent())
	assert.Zero(t, store.get("r").AttemptCount, "skipped reminders are not charged an attempt")

	// The in-app claim taken before the email claim was lost has been released.
	ledger.mu.Lock()
	_, held := ledger.entries[ledgerKey("owner", r.DeliveryKey(), domain.ChannelInApp)]
	ledger.mu.Unlock()
	assert.False(t, held)

	// An abandoned claim expires after ClaimTTL and is taken over.
	ledger.claim("owner", r.DeliveryKey(), domain.ChannelEmail, "other", time.Now().Add(-2*time.Minute))
	res, err = d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{"r"}, inApp.sent())
	assert.Equal(t, []string{"r"}, email.sent())
	assert.True(t, store.get("r").Sent)
}

// Two dispatchers sharing one database, as two processes would, scanning
// the same due reminder at once deliver it once.
func TestConcurrentScansDeliverOnce(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	_, err = db.CreateReminder(ctx, domain.Reminder{
		ID:        "r",
		OwnerID:   "owner",
		Title:     "Call back",
		DueAt:     scanStart.Add(-time.Minute),
		Channels:  []domain.Channel{domain.ChannelEmail},
		DedupeKey: "k",
	})
	require.NoError(t, err)

	email := newSender(domain.ChannelEmail)
	email.fail = func(ctx context.Context, _ Delivery) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	}

	var wg sync.WaitGroup
	results := make([]ScanResult, 2)
	for i := range results {
		d := newTestDispatcher(t, db, db, db, nil, testOptions(), email)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Scan(ctx, scanStart)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"r"}, email.sent())
	assert.Equal(t, 1, results[0].Sent+results[1].Sent+results[0].Deduplicated+results[1].Deduplicated)

	n, err := db.CountDeliveries(ctx, "owner", "key:k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetReminder(ctx, "r")
	require.NoError(t, err)
	assert.True(t, got.Sent)
}

func TestScanRetriesOnlyFailedChannels(t *testing.T) {
	store := newMemStore(dueReminder("r", domain.ChannelInApp, domain.ChannelEmail))
	inApp, email := newSender(domain.ChannelInApp), newSender(domain.ChannelEmail)
	emailDown := true
	email.fail = func(context.Context, Delivery) error {
		if emailDown {
			return errors.New("smtp unavailable")
		}
		return nil
	}
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), inApp, email)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	r := store.get("r")
	assert.False(t, r.Sent)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Contains(t, r.LastError, "smtp unavailable")
	assert.Contains(t, r.LastError, "email")
	require.NotNil(t, r.NextAttemptAt)
	// base * 2^1 with jitter sample 0.5 (no shift).
	assert.Equal(t, scanStart.Add(2*time.Minute), *r.NextAttemptAt)
	assert.Equal(t, RetryWaiting, StateOf(r, scanStart, QuietHours{}))

	// Before the retry time the reminder is not selected.
	res, err = d.Scan(context.Background(), scanStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	emailDown = false
	res, err = d.Scan(context.Background(), *r.NextAttemptAt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	r = store.get("r")
	assert.True(t, r.Sent)
	assert.Equal(t, 2, r.AttemptCount)
	assert.Empty(t, r.LastError)
	assert.Nil(t, r.NextAttemptAt)
	assert.Equal(t, []string{"r"}, inApp.sent(), "in-app is not re-sent")
	assert.Equal(t, []string{"r"}, email.sent())
}

func TestScanIsolatesFailures(t *testing.T) {
	var reminders []domain.Reminder
	for i := 0; i < 20; i++ {
		reminders = append(reminders, dueReminder(fmt.Sprintf("r%02d", i), domain.ChannelInApp))
	}
	store := newMemStore(reminders...)
	inApp := newSender(domain.ChannelInApp)
	inApp.fail = func(_ context.Context, d Delivery) error {
		if d.Reminder.ID == "r03" || d.Reminder.ID == "r17" {
			return errors.New("boom")
		}
		return nil
	}
	opts := testOptions()
	opts.BatchSize = 6
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, opts, inApp)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Scanned)
	assert.Equal(t, 18, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.False(t, store.get("r03").Sent)
	assert.True(t, store.get("r04").Sent)
}

func TestScanDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newMemStore(dueReminder("r", domain.ChannelEmail))
	email := newSender(domain.ChannelEmail)
	email.fail = func(context.Context, Delivery) error { return errors.New("mailbox full") }
	alerter := &recordingAlerter{}
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, alerter, testOptions(), email)

	now := scanStart
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := d.Scan(context.Background(), now)
		require.NoError(t, err)
		require.Equal(t, 1, res.Scanned, "attempt %d", attempt)

		r := store.get("r")
		assert.Equal(t, attempt, r.AttemptCount)
		if attempt < 3 {
			assert.Equal(t, 1, res.Failed)
			require.NotNil(t, r.NextAttemptAt)
			now = *r.NextAttemptAt
		} else {
			assert.Equal(t, 1, res.DeadLettered)
		}
	}

	r := store.get("r")
	require.NotNil(t, r.DeadLetteredAt)
	assert.False(t, r.Sent)
	assert.Equal(t, DeadLettered, StateOf(r, now, QuietHours{}))
	assert.Equal(t, []string{"r"}, alerter.ids)

	res, err := d.Scan(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Equal(t, []string{"r"}, alerter.ids)
}

func TestScanTimesOutSlowChannels(t *testing.T) {
	store := newMemStore(
		dueReminder("stuck", domain.ChannelEmail),
		dueReminder("fine", domain.ChannelInApp),
	)
	email := newSender(domain.ChannelEmail)
	email.fail = func(ctx context.Context, _ Delivery) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	inApp := newSender(domain.ChannelInApp)

	opts := testOptions()
	opts.SendTimeout = 20 * time.Millisecond
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, opts, email, inApp)

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, store.get("fine").Sent)
	assert.Contains(t, store.get("stuck").LastError, "deadline exceeded")
}

func TestScanFailsChannelsWithoutSender(t *testing.T) {
	store := newMemStore(dueReminder("r", domain.ChannelCalendar))
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions())

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	r := store.get("r")
	assert.Contains(t, r.LastError, "no sender configured")
}

func TestScanStopsWhenCancelled(t *testing.T) {
	store := newMemStore(dueReminder("r", domain.ChannelInApp))
	inApp := newSender(domain.ChannelInApp)
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), inApp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Scan(ctx, scanStart)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Zero(t, res.Scanned)
	assert.False(t, store.get("r").Sent)
}

func TestScanCountsConflictsAndStoreErrors(t *testing.T) {
	store := newMemStore(dueReminder("r", domain.ChannelInApp))
	store.saveErr = fmt.Errorf("reminder r: %w", domain.ErrConcurrencyConflict)
	d := newTestDispatcher(t, store, newMemLedger(), memOwners{}, nil, testOptions(), newSender(domain.ChannelInApp))

	res, err := d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Sent)

	store.saveErr = errors.New("disk I/O error")
	res, err = d.Scan(context.Background(), scanStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	store.listErr = errors.New("database is locked")
	_, err = d.Scan(context.Background(), scanStart)
	assert.ErrorContains(t, err, "database is locked")
}

func TestDispatchErrorWrapsFailure(t *testing.T) {
	cause := errors.New("refused")
	err := fmt.Errorf("wrapped: %w", &DispatchError{Channel: domain.ChannelEmail, Err: cause})

	assert.ErrorIs(t, err, ErrDispatchFailure)
	assert.ErrorIs(t, err, cause)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ChannelEmail, de.Channel)
}

func TestNewDispatcherRejectsBadBackoff(t *testing.T) {
	opts := testOptions()
	opts.Backoff.Jitter = 0.9
	_, err := NewDispatcher(newMemStore(), newMemLedger(), memOwners{}, nil, nil, opts)
	assert.Error(t, err)
}

// The SQLite-backed path end to end: 10,000 due reminders are dispatched in
// one scan within the five minute cycle.
func TestScanTenThousandReminders(t *testing.T) {
	if testing.Short() {
		t.Skip("large scan")
	}

	db, err := storage.Open(filepath.Join(t.TempDir(), "scan.db") + "?_pragma=synchronous(OFF)&_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	require.NoError(t, db.UpsertOwner(ctx, domain.Owner{ID: "sleepy", Timezone: "UTC", QuietStart: "11:00", QuietEnd: "13:00"}))

	const total = 10000
	for i := 0; i < total; i++ {
		owner := fmt.Sprintf("owner-%d", i%50)
		if i%1000 == 0 {
			owner = "sleepy"
		}
		_, err := db.CreateReminder(ctx, domain.Reminder{
			OwnerID:  owner,
			Title:    fmt.Sprintf("reminder %d", i),
			DueAt:    scanStart.Add(-time.Duration(i) * time.Second),
			Channels: []domain.Channel{domain.ChannelInApp},
		})
		require.NoError(t, err)
	}

	opts := testOptions()
	opts.BatchSize = 500
	opts.Workers = 16
	d := newTestDispatcher(t, db, db, db, nil, opts, NewInAppSender(db))

	scanCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	started := time.Now()
	res, err := d.Scan(scanCtx, scanStart)
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 5*time.Minute)
	assert.False(t, res.Interrupted)
	assert.Equal(t, total, res.Scanned)
	assert.Equal(t, 10, res.Deferred)
	assert.Equal(t, total-10, res.Sent)
	assert.Zero(t, res.Errors)

	remaining, err := db.ListDueReminders(ctx, scanStart, storage.ReminderCursor{}, total)
	require.NoError(t, err)
	assert.Len(t, remaining, 10)
	for _, r := range remaining {
		assert.Equal(t, "sleepy", r.OwnerID)
	}

	items, err := db.ListInbox(ctx, "owner-1", total)
	require.NoError(t, err)
	assert.Len(t, items, 200)
	assert.True(t, strings.HasPrefix(items[0].Title, "reminder"))
}
