package repository

// Schema definitions for the Harrier case store.
// Compatible with both SQLite and PostgreSQL.

// schemaAccounts keys accounts by (case, platform, handle, external id).
// Empty parts are stored as '' in the key columns so the unique index holds.
const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    handle_key TEXT NOT NULL,
    external_key TEXT NOT NULL,
    handle TEXT,
    name TEXT,
    external_id TEXT,
    email TEXT,
    phone TEXT,
    extra TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (case_id, platform, handle_key, external_key)
);

CREATE INDEX IF NOT EXISTS idx_accounts_updated ON accounts(case_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_accounts_phone ON accounts(case_id, phone);
CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(case_id, email);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    ts TIMESTAMP,
    actor_key TEXT NOT NULL,
    peer_key TEXT,
    channel TEXT NOT NULL,
    private INTEGER NOT NULL DEFAULT 0,
    text TEXT,
    payload TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (case_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_updated ON events(case_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(case_id, ts);
`

const schemaLocation = `
CREATE TABLE IF NOT EXISTS pings (
    case_id TEXT NOT NULL,
    person_id TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    ts TIMESTAMP NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    PRIMARY KEY (case_id, person_id, device_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_pings_person ON pings(case_id, person_id, ts);

CREATE TABLE IF NOT EXISTS hotel_stays (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    person_id TEXT NOT NULL,
    place_id TEXT NOT NULL,
    checkin_ts TIMESTAMP NOT NULL,
    checkout_ts TIMESTAMP NOT NULL,
    booking_ref TEXT,
    paid_cash INTEGER NOT NULL DEFAULT 0,
    card_last4 TEXT,
    PRIMARY KEY (case_id, id)
);

CREATE INDEX IF NOT EXISTS idx_hotel_stays_person ON hotel_stays(case_id, person_id);
CREATE INDEX IF NOT EXISTS idx_hotel_stays_place ON hotel_stays(case_id, place_id);

CREATE TABLE IF NOT EXISTS calls (
    case_id TEXT NOT NULL,
    caller_id TEXT NOT NULL,
    callee_id TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    duration_s INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (case_id, caller_id, callee_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_calls_ts ON calls(case_id, ts);
`

const schemaForensics = `
CREATE TABLE IF NOT EXISTS timeline_events (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    description TEXT NOT NULL,
    PRIMARY KEY (case_id, id)
);

CREATE INDEX IF NOT EXISTS idx_timeline_ts ON timeline_events(case_id, ts);

CREATE TABLE IF NOT EXISTS failures (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    type TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    PRIMARY KEY (case_id, id)
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    path TEXT NOT NULL,
    hash TEXT,
    risk_score REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (case_id, id)
);

CREATE TABLE IF NOT EXISTS case_links (
    case_id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    from_label TEXT NOT NULL,
    to_id TEXT NOT NULL,
    to_label TEXT NOT NULL,
    type TEXT NOT NULL,
    PRIMARY KEY (case_id, from_id, to_id, type)
);

CREATE TABLE IF NOT EXISTS activity_events (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    ts TIMESTAMP,
    operation TEXT NOT NULL,
    file_type TEXT,
    process_name TEXT,
    file_path TEXT,
    type TEXT,
    location TEXT,
    PRIMARY KEY (case_id, id)
);

CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_events(case_id, user_id, ts);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    threshold REAL NOT NULL DEFAULT 0,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    weight REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, case_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(case_id, enabled);
`

// schemaAnalysisRuns is append-only; runs are never updated or merged.
const schemaAnalysisRuns = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    subject TEXT,
    sensitivity TEXT NOT NULL,
    hypotheses TEXT NOT NULL,
    anomaly_score REAL NOT NULL,
    risk_score REAL NOT NULL,
    severity TEXT NOT NULL,
    contributions TEXT,
    alert_id TEXT,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_runs_case ON analysis_runs(case_id, created_at);
`

const schemaCustody = `
CREATE TABLE IF NOT EXISTS custody_records (
    case_id TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    acquisition_time TIMESTAMP NOT NULL,
    data_source TEXT NOT NULL,
    storage_location TEXT NOT NULL,
    integrity_hash TEXT NOT NULL,
    payload TEXT NOT NULL,
    custodian_log TEXT NOT NULL,
    PRIMARY KEY (case_id, artifact_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaEvents,
		schemaLocation,
		schemaForensics,
		schemaRuleConfigs,
		schemaAnalysisRuns,
		schemaCustody,
	}
}
