// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// Schema returns the DDL for the metadata database. Content snapshots
// live in the blob store; this database holds the queryable record:
// identity, sharing, secrets, events, API keys and the tick schedule.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS tyne (
    file_name          TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    owner_id           TEXT NOT NULL,
    version            INTEGER NOT NULL DEFAULT 0,
    published          BOOLEAN NOT NULL DEFAULT FALSE,
    properties         TEXT NOT NULL DEFAULT '{}',
    environment        TEXT NOT NULL DEFAULT '{}',
    next_tick          INTEGER NOT NULL DEFAULT 0,
    has_tick           BOOLEAN NOT NULL DEFAULT FALSE,
    requires_recompile BOOLEAN NOT NULL DEFAULT FALSE,
    created            TIMESTAMP NOT NULL,
    last_modified      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tyne_next_tick ON tyne (next_tick);

CREATE TABLE IF NOT EXISTS tyne_share (
    file_name  TEXT NOT NULL REFERENCES tyne (file_name) ON DELETE CASCADE,
    user_email TEXT NOT NULL,
    role       TEXT NOT NULL,
    PRIMARY KEY (file_name, user_email)
);

CREATE TABLE IF NOT EXISTS tyne_secret (
    file_name TEXT NOT NULL REFERENCES tyne (file_name) ON DELETE CASCADE,
    scope     TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (file_name, scope, key)
);

CREATE TABLE IF NOT EXISTS tyne_event (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    file_name  TEXT NOT NULL REFERENCES tyne (file_name) ON DELETE CASCADE,
    severity   TEXT NOT NULL,
    message    TEXT NOT NULL,
    extra      TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tyne_event_file ON tyne_event (file_name, id);

CREATE TABLE IF NOT EXISTS api_key (
    token     TEXT PRIMARY KEY,
    file_name TEXT NOT NULL REFERENCES tyne (file_name) ON DELETE CASCADE,
    created   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_quota (
    token        TEXT PRIMARY KEY REFERENCES api_key (token) ON DELETE CASCADE,
    window_start INTEGER NOT NULL,
    used         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS function_call_cache (
    file_name  TEXT NOT NULL REFERENCES tyne (file_name) ON DELETE CASCADE,
    cache_key  TEXT NOT NULL,
    result     BLOB NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (file_name, cache_key)
);
`
}
