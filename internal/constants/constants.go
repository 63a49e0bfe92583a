// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort           = "8080"
	DefaultDBPath         = "capsulecache.db"
	DefaultCacheDirName   = ".capsulecache/cache"
	DefaultMaxCacheSize   = "10GiB"
	DefaultConcurrency    = 3
	DefaultPollInterval   = 5 * time.Second
	DefaultPollLimit      = 10
	DefaultHTTPTimeout    = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultRetryBase      = 1 * time.Second
	DefaultPriority       = 5
	DefaultCandidateLimit = 100
	DefaultProgressTTL    = 10 * time.Minute
	DefaultShutdownGrace  = 5 * time.Second
	DefaultEnvPrefix      = "CAPSULECACHE"
	DefaultPathTemplate   = "{{.CapsuleID}}/{{.FileType}}{{.Ext}}"
)

// Transfer
const (
	ChunkSize          = 1024 * 1024 // 1MiB
	ProgressUpdateFreq = 1 * time.Second
	InterruptPollFreq  = 100 * time.Millisecond
	MinPriority        = 0
	MaxPriority        = 10
)

// Cache policy
const (
	// PurgeTargetRatio is the share of the budget an LRU purge reduces usage to.
	PurgeTargetRatio     = 0.9
	DefaultSmartTarget   = 80.0
	DefaultMinAccess     = 3
	PurgeLockFile        = ".purge.lock"
	MiB                  = 1024 * 1024
	WeightPreview        = 1.0
	WeightWAV            = 0.5
	WeightRPP            = 0.3
	WeightOther          = 0.7
	PinnedScore          = -1.0
	DefaultCachePriority = 5
)

// Database
const (
	TasksTable   = "download_tasks"
	CacheTable   = "cache_entries"
	AssetsTable  = "assets"
	BusyTimeout  = 30000
	JournalMode  = "WAL"
	ListTasksMax = 200
)

// Log rotation
const (
	LogMaxSizeMB  = 100
	LogMaxBackups = 5
	LogMaxAgeDays = 28
)

// File Permissions
const (
	DirPermissions  = 0755
	FilePermissions = 0644
)
