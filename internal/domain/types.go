package domain

// TypeStats aggregates cache usage for a single file type.
type TypeStats struct {
	Count int   `json:"count" db:"count"`
	Size  int64 `json:"size" db:"size"`
}

// CacheStats is derived from the cache entries on every call.
type CacheStats struct {
	ByType      map[FileType]TypeStats `json:"by_type"`
	TotalFiles  int                    `json:"total_files" db:"total_files"`
	TotalSize   int64                  `json:"total_size" db:"total_size"`
	PinnedFiles int                    `json:"pinned_files" db:"pinned_files"`
	PinnedSize  int64                  `json:"pinned_size" db:"pinned_size"`
}

// QueueStatus counts tasks per status.
type QueueStatus struct {
	Pending     int `json:"pending" db:"pending"`
	Downloading int `json:"downloading" db:"downloading"`
	Paused      int `json:"paused" db:"paused"`
	Completed   int `json:"completed" db:"completed"`
	Failed      int `json:"failed" db:"failed"`
	Cancelled   int `json:"cancelled" db:"cancelled"`
}

// TaskUpdate carries the optional fields of a task status change.
// Nil fields are left untouched.
type TaskUpdate struct {
	Progress *float64
	Bytes    *int64
	Speed    *float64
	ETA      *int64
	Error    *string
	Status   TaskStatus
}
