package store

import (
	"database/sql"
	"errors"
	"strconv"
)

// Runtime overrides persisted across restarts.
const (
	SettingMaxCacheSize = "max_cache_size"
	SettingAutoPurge    = "auto_purge"
)

type SettingsRepo struct {
	db *DB
}

func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

func (r *SettingsRepo) Get(key string) (string, error) {
	var value string
	err := r.db.Get(&value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *SettingsRepo) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now())
	return err
}

func (r *SettingsRepo) Delete(key string) error {
	_, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// GetInt64 returns the stored integer, or fallback when unset.
func (r *SettingsRepo) GetInt64(key string, fallback int64) (int64, error) {
	raw, err := r.Get(key)
	if err != nil || raw == "" {
		return fallback, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// GetBool returns the stored flag, or fallback when unset.
func (r *SettingsRepo) GetBool(key string, fallback bool) (bool, error) {
	raw, err := r.Get(key)
	if err != nil || raw == "" {
		return fallback, err
	}
	return strconv.ParseBool(raw)
}
