package storage

// Timestamps are stored as UTC unix nanoseconds so that ordering and range
// comparisons in SQL are exact.
const schema = `
-- Deck sources: a local directory or a git repository of markdown decks.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'local',
    last_scanned INTEGER
);

-- Cards and their learning-bin state.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT NOT NULL DEFAULT '',
    context TEXT NOT NULL DEFAULT '',
    source_id INTEGER REFERENCES sources(id) ON DELETE CASCADE,
    bin INTEGER NOT NULL DEFAULT 0 CHECK (bin >= 0),
    incorrect_count INTEGER NOT NULL DEFAULT 0 CHECK (incorrect_count >= 0),
    next_review_at INTEGER NOT NULL,
    last_reviewed_at INTEGER,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS ix_cards_next_review_at ON cards (next_review_at, id);

-- Owners carry the timezone and quiet hours used by the dispatcher.
CREATE TABLE IF NOT EXISTS owners (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT 'UTC',
    quiet_start TEXT NOT NULL DEFAULT '',
    quiet_end TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS reminders (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    application_id TEXT NOT NULL DEFAULT '',
    activity_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    due_at INTEGER NOT NULL,
    channels TEXT NOT NULL,
    dedupe_key TEXT,
    sent INTEGER NOT NULL DEFAULT 0,
    sent_at INTEGER,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at INTEGER,
    dead_lettered_at INTEGER,
    version INTEGER NOT NULL DEFAULT 1,

    UNIQUE (owner_id, dedupe_key)
);

CREATE INDEX IF NOT EXISTS ix_reminders_pending ON reminders (due_at, id)
    WHERE sent = 0 AND dead_lettered_at IS NULL;

-- One row per channel of a logical reminder: claimed while a send is in
-- flight, delivered once the channel accepted it.
CREATE TABLE IF NOT EXISTS deliveries (
    owner_id TEXT NOT NULL,
    delivery_key TEXT NOT NULL,
    channel TEXT NOT NULL,
    reminder_id TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('claimed', 'delivered')),
    claimed_at INTEGER NOT NULL,
    delivered_at INTEGER,

    PRIMARY KEY (owner_id, delivery_key, channel)
);

CREATE TABLE IF NOT EXISTS inbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    reminder_id TEXT NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    delivered_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_inbox_owner ON inbox (owner_id, delivered_at);
`
