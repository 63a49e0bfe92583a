package domain

import (
	"fmt"
	"time"
)

type FileType string

const (
	FileTypePreview     FileType = "preview"
	FileTypeWAV         FileType = "wav"
	FileTypeRPP         FileType = "rpp"
	FileTypeAudioFolder FileType = "audio_folder"
	FileTypeOther       FileType = "other"
)

// Valid reports whether t is one of the known file types.
func (t FileType) Valid() bool {
	switch t {
	case FileTypePreview, FileTypeWAV, FileTypeRPP, FileTypeAudioFolder, FileTypeOther:
		return true
	}
	return false
}

// ParseFileType converts a raw string into a FileType.
func ParseFileType(s string) (FileType, error) {
	t := FileType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown file type %q", s)
	}
	return t, nil
}

type AssetStatus string

const (
	AssetStatusCloudOnly   AssetStatus = "cloud_only"
	AssetStatusDownloading AssetStatus = "downloading"
	AssetStatusLocal       AssetStatus = "local"
	AssetStatusCached      AssetStatus = "cached"
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether the task still occupies its asset slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusDownloading || s == TaskStatusPaused
}

// Asset is a single physical file tied to one capsule and file type.
type Asset struct {
	LastAccessedAt   *time.Time  `json:"last_accessed_at,omitempty" db:"last_accessed_at"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
	FileType         FileType    `json:"file_type" db:"file_type"`
	Status           AssetStatus `json:"asset_status" db:"asset_status"`
	LocalPath        string      `json:"local_path,omitempty" db:"local_path"`
	LocalHash        string      `json:"local_hash,omitempty" db:"local_hash"`
	CapsuleID        int64       `json:"capsule_id" db:"capsule_id"`
	LocalSize        int64       `json:"local_size" db:"local_size"`
	DownloadProgress float64     `json:"download_progress" db:"download_progress"`
	AccessCount      int         `json:"access_count" db:"access_count"`
	IsPinned         bool        `json:"is_pinned" db:"is_pinned"`
}

// DownloadTask represents one queued or in-progress transfer
type DownloadTask struct {
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ETASeconds       *int64     `json:"eta_seconds,omitempty" db:"eta_seconds"`
	ID               string     `json:"id" db:"id"`
	FileType         FileType   `json:"file_type" db:"file_type"`
	Status           TaskStatus `json:"status" db:"status"`
	RemoteURL        string     `json:"remote_url" db:"remote_url"`
	RemoteHash       string     `json:"remote_hash,omitempty" db:"remote_hash"`
	LocalPath        string     `json:"local_path" db:"local_path"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	CapsuleID        int64      `json:"capsule_id" db:"capsule_id"`
	RemoteSize       int64      `json:"remote_size,omitempty" db:"remote_size"`
	DownloadedBytes  int64      `json:"downloaded_bytes" db:"downloaded_bytes"`
	SpeedBytesPerSec float64    `json:"speed_bytes_per_sec" db:"speed_bytes_per_sec"`
	Progress         float64    `json:"progress" db:"progress"`
	Priority         int        `json:"priority" db:"priority"`
	RetryCount       int        `json:"retry_count" db:"retry_count"`
	MaxRetries       int        `json:"max_retries" db:"max_retries"`
}

// CacheEntry describes a resident local file counted against the cache budget.
type CacheEntry struct {
	LastAccessedAt time.Time `json:"last_accessed_at" db:"last_accessed_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	FileType       FileType  `json:"file_type" db:"file_type"`
	FilePath       string    `json:"file_path" db:"file_path"`
	FileHash       string    `json:"file_hash" db:"file_hash"`
	CapsuleID      int64     `json:"capsule_id" db:"capsule_id"`
	FileSize       int64     `json:"file_size" db:"file_size"`
	AccessCount    int       `json:"access_count" db:"access_count"`
	CachePriority  int       `json:"cache_priority" db:"cache_priority"`
	IsPinned       bool      `json:"is_pinned" db:"is_pinned"`
}
