package store

const schema = `
CREATE TABLE IF NOT EXISTS records (
	local_id               TEXT PRIMARY KEY,
	remote_id              TEXT NOT NULL DEFAULT '',
	org_unit               TEXT NOT NULL,
	entity_type            TEXT NOT NULL,
	payload                JSON NOT NULL DEFAULT '{}',
	sync_status            TEXT NOT NULL DEFAULT 'PENDING',
	deleted                INTEGER NOT NULL DEFAULT 0,
	attempts               INTEGER NOT NULL DEFAULT 0,
	last_local_mutation_at TEXT NOT NULL,
	last_sync_attempt_at   TEXT,
	next_attempt_at        TEXT,
	last_sync_error        TEXT NOT NULL DEFAULT '',
	claimed_at             TEXT
);
CREATE INDEX IF NOT EXISTS idx_records_org_status ON records(org_unit, sync_status);
CREATE INDEX IF NOT EXISTS idx_records_remote ON records(remote_id) WHERE remote_id != '';

CREATE TABLE IF NOT EXISTS sync_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	org_unit    TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	attempted   INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	pulled      INTEGER NOT NULL,
	pull_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_org ON sync_runs(org_unit, started_at);
`
