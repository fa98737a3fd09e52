package sqlite

// schema holds the state rows and the change log the poller follows. A
// change row carries the value written, NULL for a removal.
const schema = `
CREATE TABLE IF NOT EXISTS shared_state (
    path TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS state_changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    value TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_changes_created ON state_changes(created_at);
`
