package store

import (
	"database/sql"
	"errors"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
)

const cacheColumns = `capsule_id, file_type, file_path, file_size, file_hash, last_accessed_at, access_count,
	is_pinned, cache_priority, created_at`

// UpsertCacheEntry records a resident file. A replaced entry restarts its
// access history but keeps its pin and priority.
func (db *DB) UpsertCacheEntry(entry *domain.CacheEntry) error {
	ts := now()
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = ts
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = ts
	}
	if entry.AccessCount == 0 {
		entry.AccessCount = 1
	}
	if entry.CachePriority == 0 {
		entry.CachePriority = constants.DefaultCachePriority
	}

	query := `INSERT INTO cache_entries (capsule_id, file_type, file_path, file_size, file_hash, last_accessed_at,
		access_count, is_pinned, cache_priority, created_at)
		VALUES (:capsule_id, :file_type, :file_path, :file_size, :file_hash, :last_accessed_at,
		:access_count, :is_pinned, :cache_priority, :created_at)
		ON CONFLICT(capsule_id, file_type) DO UPDATE SET
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			file_hash = excluded.file_hash,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count`

	_, err := db.NamedExec(query, entry)
	return err
}

func (db *DB) GetCacheEntry(capsuleID int64, fileType domain.FileType) (*domain.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM cache_entries WHERE capsule_id = ? AND file_type = ?`

	entry := &domain.CacheEntry{}
	err := db.Get(entry, query, capsuleID, fileType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteCacheEntry removes the entry. Deleting a missing entry is not an error.
func (db *DB) DeleteCacheEntry(capsuleID int64, fileType domain.FileType) error {
	_, err := db.Exec(`DELETE FROM cache_entries WHERE capsule_id = ? AND file_type = ?`, capsuleID, fileType)
	return err
}

// ListEvictionCandidates returns entries oldest-accessed first, pinned ones
// included. A limit <= 0 returns every entry.
func (db *DB) ListEvictionCandidates(limit int) ([]*domain.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM cache_entries ORDER BY last_accessed_at ASC, capsule_id ASC`

	var entries []*domain.CacheEntry
	var err error
	if limit > 0 {
		err = db.Select(&entries, query+` LIMIT ?`, limit)
	} else {
		err = db.Select(&entries, query)
	}
	return entries, err
}

func (db *DB) GetCacheStats() (*domain.CacheStats, error) {
	query := `SELECT
		COUNT(*) as total_files,
		COALESCE(SUM(file_size), 0) as total_size,
		COALESCE(SUM(CASE WHEN is_pinned THEN 1 ELSE 0 END), 0) as pinned_files,
		COALESCE(SUM(CASE WHEN is_pinned THEN file_size ELSE 0 END), 0) as pinned_size
	FROM cache_entries`

	stats := &domain.CacheStats{}
	if err := db.Get(stats, query); err != nil {
		return nil, err
	}

	type typeRow struct {
		FileType domain.FileType `db:"file_type"`
		Count    int             `db:"count"`
		Size     int64           `db:"size"`
	}
	var rows []typeRow
	err := db.Select(&rows, `SELECT file_type, COUNT(*) as count, COALESCE(SUM(file_size), 0) as size
		FROM cache_entries GROUP BY file_type`)
	if err != nil {
		return nil, err
	}

	stats.ByType = make(map[domain.FileType]domain.TypeStats, len(rows))
	for _, r := range rows {
		stats.ByType[r.FileType] = domain.TypeStats{Count: r.Count, Size: r.Size}
	}
	return stats, nil
}

// SetPinned pins or unpins both the cache entry and its asset.
func (db *DB) SetPinned(capsuleID int64, fileType domain.FileType, pinned bool) error {
	res, err := db.Exec(`UPDATE cache_entries SET is_pinned = ? WHERE capsule_id = ? AND file_type = ?`,
		pinned, capsuleID, fileType)
	if err != nil {
		return err
	}
	if err := expectAffected(res); err != nil {
		return err
	}

	_, err = db.Exec(`UPDATE assets SET is_pinned = ?, updated_at = ? WHERE capsule_id = ? AND file_type = ?`,
		pinned, now(), capsuleID, fileType)
	return err
}

func (db *DB) SetCachePriority(capsuleID int64, fileType domain.FileType, priority int) error {
	res, err := db.Exec(`UPDATE cache_entries SET cache_priority = ? WHERE capsule_id = ? AND file_type = ?`,
		priority, capsuleID, fileType)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// TouchCacheEntry bumps the access counters of a resident file.
func (db *DB) TouchCacheEntry(capsuleID int64, fileType domain.FileType) error {
	_, err := db.Exec(`UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = ?
		WHERE capsule_id = ? AND file_type = ?`, now(), capsuleID, fileType)
	return err
}
