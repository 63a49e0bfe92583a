package store

import (
	"database/sql"
	"errors"

	"github.com/cesargomez89/capsulecache/internal/domain"
)

const assetColumns = `capsule_id, file_type, asset_status, local_path, local_size, local_hash, download_progress,
	last_accessed_at, access_count, is_pinned, created_at, updated_at`

// EnsureAsset creates a cloud_only asset row if none exists yet.
func (db *DB) EnsureAsset(capsuleID int64, fileType domain.FileType) error {
	ts := now()
	_, err := db.Exec(`INSERT INTO assets (capsule_id, file_type, asset_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(capsule_id, file_type) DO NOTHING`,
		capsuleID, fileType, domain.AssetStatusCloudOnly, ts, ts)
	return err
}

func (db *DB) GetAsset(capsuleID int64, fileType domain.FileType) (*domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE capsule_id = ? AND file_type = ?`

	asset := &domain.Asset{}
	err := db.Get(asset, query, capsuleID, fileType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (db *DB) ListAssets(capsuleID int64) ([]*domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE capsule_id = ? ORDER BY file_type`

	var assets []*domain.Asset
	err := db.Select(&assets, query, capsuleID)
	return assets, err
}

// UpdateAssetStatus moves the asset to status, creating the row if needed.
// Moving to cloud_only forgets the local file.
func (db *DB) UpdateAssetStatus(capsuleID int64, fileType domain.FileType, status domain.AssetStatus) error {
	ts := now()
	if status == domain.AssetStatusCloudOnly {
		_, err := db.Exec(`INSERT INTO assets (capsule_id, file_type, asset_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(capsule_id, file_type) DO UPDATE SET
				asset_status = excluded.asset_status,
				local_path = '',
				local_size = 0,
				local_hash = '',
				download_progress = 0,
				updated_at = excluded.updated_at`,
			capsuleID, fileType, status, ts, ts)
		return err
	}

	_, err := db.Exec(`INSERT INTO assets (capsule_id, file_type, asset_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(capsule_id, file_type) DO UPDATE SET
			asset_status = excluded.asset_status,
			updated_at = excluded.updated_at`,
		capsuleID, fileType, status, ts, ts)
	return err
}

func (db *DB) UpdateAssetProgress(capsuleID int64, fileType domain.FileType, progress float64) error {
	_, err := db.Exec(`UPDATE assets SET download_progress = ?, updated_at = ? WHERE capsule_id = ? AND file_type = ?`,
		progress, now(), capsuleID, fileType)
	return err
}

// MarkAssetLocal records a verified local copy of the asset.
func (db *DB) MarkAssetLocal(capsuleID int64, fileType domain.FileType, status domain.AssetStatus, path string, size int64, hash string) error {
	ts := now()
	_, err := db.Exec(`INSERT INTO assets (capsule_id, file_type, asset_status, local_path, local_size, local_hash,
			download_progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 100, ?, ?)
		ON CONFLICT(capsule_id, file_type) DO UPDATE SET
			asset_status = excluded.asset_status,
			local_path = excluded.local_path,
			local_size = excluded.local_size,
			local_hash = excluded.local_hash,
			download_progress = 100,
			updated_at = excluded.updated_at`,
		capsuleID, fileType, status, path, size, hash, ts, ts)
	return err
}

// RecordAccess counts one read of the asset and of its cache entry, if any.
func (db *DB) RecordAccess(capsuleID int64, fileType domain.FileType) error {
	res, err := db.Exec(`UPDATE assets SET access_count = access_count + 1, last_accessed_at = ?, updated_at = ?
		WHERE capsule_id = ? AND file_type = ?`, now(), now(), capsuleID, fileType)
	if err != nil {
		return err
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	return db.TouchCacheEntry(capsuleID, fileType)
}

// DeleteAsset removes every row belonging to the capsule.
func (db *DB) DeleteAsset(capsuleID int64) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM cache_entries WHERE capsule_id = ?`,
		`DELETE FROM download_tasks WHERE capsule_id = ? AND status NOT IN ('downloading')`,
		`DELETE FROM assets WHERE capsule_id = ?`,
	} {
		if _, err := tx.Exec(q, capsuleID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
