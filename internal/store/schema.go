package store

const Schema = `
CREATE TABLE IF NOT EXISTS assets (
	capsule_id INTEGER NOT NULL,
	file_type TEXT NOT NULL,
	asset_status TEXT NOT NULL DEFAULT 'cloud_only',
	local_path TEXT NOT NULL DEFAULT '',
	local_size INTEGER NOT NULL DEFAULT 0,
	local_hash TEXT NOT NULL DEFAULT '',
	download_progress REAL NOT NULL DEFAULT 0,
	last_accessed_at DATETIME,
	access_count INTEGER NOT NULL DEFAULT 0,
	is_pinned BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (capsule_id, file_type)
);

CREATE TABLE IF NOT EXISTS download_tasks (
	id TEXT PRIMARY KEY,
	capsule_id INTEGER NOT NULL,
	file_type TEXT NOT NULL,
	status TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	remote_size INTEGER NOT NULL DEFAULT 0,
	remote_hash TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	progress REAL NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	speed_bytes_per_sec REAL NOT NULL DEFAULT 0,
	eta_seconds INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);

-- One active task per asset
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_asset ON download_tasks(capsule_id, file_type)
WHERE status IN ('pending', 'downloading', 'paused');

CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON download_tasks(status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	capsule_id INTEGER NOT NULL,
	file_type TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	file_hash TEXT NOT NULL DEFAULT '',
	last_accessed_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 1,
	is_pinned BOOLEAN NOT NULL DEFAULT 0,
	cache_priority INTEGER NOT NULL DEFAULT 5,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(capsule_id, file_type)
);

CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
