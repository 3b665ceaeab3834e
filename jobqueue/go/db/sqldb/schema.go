package sqldb

// Schema is the database schema for the queue service. Jobs, proposals, and
// the other documents are stored as JSONB alongside the columns used for
// filtering, claiming, and concurrency control.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	job_type TEXT NOT NULL,
	repository TEXT NOT NULL DEFAULT '',
	priority INT NOT NULL DEFAULT 0,
	affinity_key TEXT NOT NULL DEFAULT '',
	required_capabilities JSONB NOT NULL DEFAULT '[]',
	attempt_count INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 1,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires TIMESTAMPTZ,
	created TIMESTAMPTZ NOT NULL,
	db_modified TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_by_status ON jobs (status, priority DESC, created, id);
CREATE INDEX IF NOT EXISTS jobs_by_created ON jobs (created DESC);

CREATE TABLE IF NOT EXISTS job_events (
	job_id TEXT NOT NULL REFERENCES jobs (id),
	event_id BIGINT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (job_id, event_id)
);
CREATE INDEX IF NOT EXISTS job_events_by_created ON job_events (job_id, created, event_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id),
	name TEXT NOT NULL,
	data JSONB NOT NULL,
	UNIQUE (job_id, name)
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	repository TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	dedup_hash TEXT NOT NULL,
	snoozed_until TIMESTAMPTZ,
	created TIMESTAMPTZ NOT NULL,
	db_modified TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS proposals_by_dedup ON proposals (repository, dedup_hash);
CREATE INDEX IF NOT EXISTS proposals_by_status ON proposals (status, created DESC);

CREATE TABLE IF NOT EXISTS pause_state (
	singleton BOOL PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	version BIGINT NOT NULL,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS pause_audit (
	seq BIGSERIAL PRIMARY KEY,
	created TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	manifest_name TEXT NOT NULL,
	data_source_id TEXT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (manifest_name, data_source_id)
);

CREATE TABLE IF NOT EXISTS skill_registry (
	skill_name TEXT NOT NULL,
	version TEXT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (skill_name, version)
);

CREATE TABLE IF NOT EXISTS manifests (
	name TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	yaml TEXT NOT NULL
);
`
