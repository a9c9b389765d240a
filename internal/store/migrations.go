package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "facts: content-addressed insight facts",
		SQL: `
CREATE TABLE facts (
    id                  TEXT PRIMARY KEY,
    scope_id            TEXT NOT NULL,
    source_ref          TEXT,
    type                TEXT NOT NULL CHECK (type IN ('action', 'decision', 'risk')),
    canonical_text      TEXT NOT NULL,
    canonical_hash      TEXT NOT NULL UNIQUE,
    topic               TEXT,
    description         TEXT,

    -- status is the legacy open/closed flag kept in step with lifecycle_state
    status              TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
    lifecycle_state     TEXT NOT NULL DEFAULT 'open' CHECK (lifecycle_state IN ('open', 'in_progress', 'stale', 'closed')),

    owner_id            TEXT,
    candidate_assignees TEXT,
    due_at              INTEGER,
    confidence          REAL NOT NULL DEFAULT 0,
    source_spans        TEXT,

    first_seen_at       INTEGER NOT NULL,
    last_seen_at        INTEGER NOT NULL,
    first_opened_at     INTEGER,
    last_transition_at  INTEGER,
    auto_closed_at      INTEGER,

    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX idx_facts_scope_type ON facts(scope_id, type, last_seen_at DESC);
CREATE INDEX idx_facts_updated    ON facts(updated_at);
CREATE INDEX idx_facts_last_seen  ON facts(last_seen_at);
`,
	},
	{
		Version:     2,
		Description: "fact_links and fact_vectors",
		SQL: `
CREATE TABLE fact_links (
    fact_id    TEXT NOT NULL,
    to_type    TEXT NOT NULL CHECK (to_type IN ('user', 'pulse', 'topic', 'doc', 'task', 'entity')),
    to_id      TEXT NOT NULL,
    relation   TEXT NOT NULL CHECK (relation IN ('assigned_to', 'requested_by', 'decided_by', 'mentions', 'duplicates', 'affects')),
    weight     REAL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (fact_id, to_type, to_id, relation),
    FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
);

CREATE TABLE fact_vectors (
    fact_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "fact_events and fact_versions: append-only history",
		SQL: `
CREATE TABLE fact_events (
    id          TEXT PRIMARY KEY,
    fact_id     TEXT NOT NULL,
    event_type  TEXT NOT NULL CHECK (event_type IN ('sighted', 'owner_changed', 'due_changed', 'text_changed', 'auto_closed', 'state_changed')),
    payload     TEXT NOT NULL DEFAULT '{}',
    source      TEXT NOT NULL,
    actor_type  TEXT NOT NULL DEFAULT 'system',
    actor_id    TEXT,
    occurred_at INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
);

CREATE INDEX idx_events_fact ON fact_events(fact_id, occurred_at);

CREATE TABLE fact_versions (
    id         TEXT PRIMARY KEY,
    fact_id    TEXT NOT NULL,
    version_no INTEGER NOT NULL CHECK (version_no >= 1),
    as_of      INTEGER NOT NULL,
    snapshot   TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (fact_id, version_no),
    FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     4,
		Description: "deliveries and feedback: outbox with relevance scores",
		SQL: `
CREATE TABLE deliveries (
    id              INTEGER PRIMARY KEY,
    item_hash       TEXT NOT NULL,
    recipient_id    TEXT NOT NULL,
    fact_id         TEXT,
    scope_id        TEXT,
    type            TEXT,
    topic           TEXT,
    description     TEXT,
    confidence      REAL NOT NULL DEFAULT 0,
    evidence        TEXT,
    delivery_status TEXT NOT NULL DEFAULT 'pending' CHECK (delivery_status IN ('pending', 'queued', 'sent', 'seen', 'closed')),

    score           REAL,
    rank            INTEGER,
    score_reason    TEXT,
    suppressed      INTEGER NOT NULL DEFAULT 0,
    scored_at       INTEGER,

    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,

    UNIQUE (item_hash, recipient_id),
    FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE SET NULL
);

CREATE INDEX idx_deliveries_active    ON deliveries(delivery_status, suppressed);
CREATE INDEX idx_deliveries_recipient ON deliveries(recipient_id, rank);

CREATE TABLE feedback (
    id           INTEGER PRIMARY KEY,
    delivery_id  INTEGER NOT NULL,
    recipient_id TEXT NOT NULL,
    rating       INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
    tags         TEXT,
    comment      TEXT,
    created_at   INTEGER NOT NULL,
    FOREIGN KEY (delivery_id) REFERENCES deliveries(id) ON DELETE CASCADE
);

CREATE INDEX idx_feedback_pair ON feedback(delivery_id, recipient_id, created_at DESC);
`,
	},
	{
		Version:     5,
		Description: "checkpoints and runs: batch pass bookkeeping",
		SQL: `
CREATE TABLE checkpoints (
    name     TEXT PRIMARY KEY,
    payload  TEXT NOT NULL,
    saved_at INTEGER NOT NULL
);

CREATE TABLE runs (
    id         INTEGER PRIMARY KEY,
    kind       TEXT NOT NULL CHECK (kind IN ('reduce', 'rank')),
    status     TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'completed', 'failed')),
    started_at INTEGER NOT NULL,
    ended_at   INTEGER,
    scanned    INTEGER NOT NULL DEFAULT 0,
    persisted  INTEGER NOT NULL DEFAULT 0,
    failed     INTEGER NOT NULL DEFAULT 0,
    note       TEXT
);

CREATE INDEX idx_runs_kind_started ON runs(kind, started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
