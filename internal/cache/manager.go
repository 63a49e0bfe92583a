// Package cache keeps the local asset cache under its size budget.
package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/metrics"
	"github.com/cesargomez89/capsulecache/internal/storage"
	"github.com/cesargomez89/capsulecache/internal/store"
)

var (
	ErrPurgeInProgress = errors.New("cache purge already in progress")
	ErrNotCached       = errors.New("asset is not cached")
	ErrInvalidPriority = errors.New("priority must be between 0 and 10")
	ErrDownloadActive  = errors.New("asset has a download in progress")
)

// Store is the record store the manager works through.
type Store interface {
	GetCacheStats() (*domain.CacheStats, error)
	ListEvictionCandidates(limit int) ([]*domain.CacheEntry, error)
	DeleteCacheEntry(capsuleID int64, fileType domain.FileType) error
	UpdateAssetStatus(capsuleID int64, fileType domain.FileType, status domain.AssetStatus) error
	HasActiveDownload(capsuleID int64, fileType domain.FileType) (bool, error)
	SetPinned(capsuleID int64, fileType domain.FileType, pinned bool) error
	SetCachePriority(capsuleID int64, fileType domain.FileType, priority int) error
	ListAssets(capsuleID int64) ([]*domain.Asset, error)
	ListCapsuleTasks(capsuleID int64) ([]*domain.DownloadTask, error)
	DeleteAsset(capsuleID int64) error
}

// Settings persists runtime overrides of the configured budget.
type Settings interface {
	GetInt64(key string, fallback int64) (int64, error)
	GetBool(key string, fallback bool) (bool, error)
	Set(key, value string) error
}

type Config struct {
	Dir            string
	MaxSize        int64
	CandidateLimit int
	AutoPurge      bool
}

// Status summarizes cache usage.
type Status struct {
	ByType         map[domain.FileType]domain.TypeStats `json:"by_type"`
	TotalFiles     int                                  `json:"total_files"`
	TotalSize      int64                                `json:"total_size"`
	MaxSize        int64                                `json:"max_size"`
	UsagePercent   float64                              `json:"usage_percent"`
	AvailableSpace int64                                `json:"available_space"`
	NeedsPurge     bool                                 `json:"needs_purge"`
	PinnedFiles    int                                  `json:"pinned_files"`
	PinnedSize     int64                                `json:"pinned_size"`
	DiskFree       int64                                `json:"disk_free"`
}

// Result reports what an eviction pass did.
type Result struct {
	Errors       []string `json:"errors"`
	FilesDeleted int      `json:"files_deleted"`
	SpaceFreed   int64    `json:"space_freed"`
	FilesSkipped int      `json:"files_skipped"`
}

type PurgeOptions struct {
	// MaxBytesToFree overrides the computed target when set.
	MaxBytesToFree *int64
	KeepPinned     bool
	DryRun         bool
}

type SmartOptions struct {
	TargetUsagePercent float64
	MinAccessCount     int
	KeepFrequent       bool
	DryRun             bool
}

// DefaultPurgeOptions keeps pinned entries and computes the target.
func DefaultPurgeOptions() PurgeOptions {
	return PurgeOptions{KeepPinned: true}
}

// DefaultSmartOptions targets 80% usage and protects entries read 3+ times.
func DefaultSmartOptions() SmartOptions {
	return SmartOptions{
		TargetUsagePercent: constants.DefaultSmartTarget,
		KeepFrequent:       true,
		MinAccessCount:     constants.DefaultMinAccess,
	}
}

// Manager computes cache usage and runs eviction passes. Passes are
// serialized within the process and, through a lock file in the cache
// directory, across processes sharing it.
type Manager struct {
	store    Store
	settings Settings
	metrics  *metrics.Metrics
	logger   *logger.Logger
	fileLock *flock.Flock
	cfg      Config
	// maxSize and autoPurge back the settings when none are persisted.
	maxSize   atomic.Int64
	autoPurge atomic.Bool
	mu        sync.Mutex
}

type Option func(*Manager)

func WithSettings(s Settings) Option {
	return func(m *Manager) {
		m.settings = s
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(st Store, cfg Config, log *logger.Logger, opts ...Option) *Manager {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = constants.DefaultCandidateLimit
	}
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		store:    st,
		cfg:      cfg,
		logger:   log.WithComponent("cache"),
		fileLock: flock.New(filepath.Join(cfg.Dir, constants.PurgeLockFile)),
	}
	m.maxSize.Store(cfg.MaxSize)
	m.autoPurge.Store(cfg.AutoPurge)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxSize returns the effective budget, preferring a persisted override.
func (m *Manager) MaxSize() int64 {
	fallback := m.maxSize.Load()
	if m.settings == nil {
		return fallback
	}
	size, err := m.settings.GetInt64(store.SettingMaxCacheSize, fallback)
	if err != nil || size <= 0 {
		if err != nil {
			m.logger.Warn("Ignoring invalid max cache size setting", "error", err)
		}
		return fallback
	}
	return size
}

// SetMaxSize persists a new budget.
func (m *Manager) SetMaxSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("max cache size must be positive, got %d", size)
	}
	if m.settings == nil {
		m.maxSize.Store(size)
		return nil
	}
	return m.settings.Set(store.SettingMaxCacheSize, strconv.FormatInt(size, 10))
}

// AutoPurge reports whether completed downloads should trigger a purge.
func (m *Manager) AutoPurge() bool {
	fallback := m.autoPurge.Load()
	if m.settings == nil {
		return fallback
	}
	on, err := m.settings.GetBool(store.SettingAutoPurge, fallback)
	if err != nil {
		return fallback
	}
	return on
}

func (m *Manager) SetAutoPurge(on bool) error {
	if m.settings == nil {
		m.autoPurge.Store(on)
		return nil
	}
	return m.settings.Set(store.SettingAutoPurge, strconv.FormatBool(on))
}

// GetStatus derives usage from the cache entries currently recorded.
func (m *Manager) GetStatus(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats, err := m.store.GetCacheStats()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	maxSize := m.MaxSize()
	status := &Status{
		ByType:      stats.ByType,
		TotalFiles:  stats.TotalFiles,
		TotalSize:   stats.TotalSize,
		MaxSize:     maxSize,
		PinnedFiles: stats.PinnedFiles,
		PinnedSize:  stats.PinnedSize,
		NeedsPurge:  stats.TotalSize > maxSize,
	}
	if maxSize > 0 {
		status.UsagePercent = float64(stats.TotalSize) / float64(maxSize) * 100
	}
	if avail := maxSize - stats.TotalSize; avail > 0 {
		status.AvailableSpace = avail
	}

	if free, err := storage.DiskFree(m.cfg.Dir); err != nil {
		m.logger.Debug("Could not read free disk space", "dir", m.cfg.Dir, "error", err)
	} else {
		status.DiskFree = free
	}

	m.metrics.SetCacheUsage(status.TotalFiles, status.TotalSize, status.MaxSize)
	return status, nil
}

// PurgeOldCache evicts least recently accessed entries until the target is
// freed. Without an explicit target the cache is brought down to 90% of its
// budget.
func (m *Manager) PurgeOldCache(ctx context.Context, opts PurgeOptions) (*Result, error) {
	return m.purge(ctx, opts, m.cfg.CandidateLimit)
}

// ClearAll evicts every entry, optionally keeping pinned ones.
func (m *Manager) ClearAll(ctx context.Context, keepPinned bool) (*Result, error) {
	status, err := m.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	total := status.TotalSize
	return m.purge(ctx, PurgeOptions{KeepPinned: keepPinned, MaxBytesToFree: &total}, 0)
}

func (m *Manager) purge(ctx context.Context, opts PurgeOptions, limit int) (*Result, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	status, err := m.GetStatus(ctx)
	if err != nil {
		return nil, err
	}

	var target int64
	if opts.MaxBytesToFree != nil {
		target = *opts.MaxBytesToFree
	} else {
		target = status.TotalSize - int64(constants.PurgeTargetRatio*float64(status.MaxSize))
	}
	if target <= 0 {
		m.logger.Debug("Cache within budget, nothing to purge",
			"total", humanize.IBytes(uint64(status.TotalSize)),
			"max", humanize.IBytes(uint64(status.MaxSize)),
		)
		return &Result{Errors: []string{}}, nil
	}

	candidates, err := m.store.ListEvictionCandidates(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	m.logger.Info("Starting LRU purge",
		"total", humanize.IBytes(uint64(status.TotalSize)),
		"max", humanize.IBytes(uint64(status.MaxSize)),
		"target", humanize.IBytes(uint64(target)),
		"candidates", len(candidates),
		"dry_run", opts.DryRun,
	)

	res := m.evict(ctx, "lru", candidates, target, opts.KeepPinned, opts.DryRun)
	return res, nil
}

// SmartCleanup evicts by weighted score: rarely read, large, cheap to
// refetch files go first. It only runs once usage reaches the target.
func (m *Manager) SmartCleanup(ctx context.Context, opts SmartOptions) (*Result, error) {
	if opts.TargetUsagePercent <= 0 {
		opts.TargetUsagePercent = constants.DefaultSmartTarget
	}

	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	status, err := m.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status.UsagePercent < opts.TargetUsagePercent {
		m.logger.Debug("Cache usage below target, skipping smart cleanup",
			"usage_percent", status.UsagePercent,
			"target_percent", opts.TargetUsagePercent,
		)
		return &Result{Errors: []string{}}, nil
	}

	target := status.TotalSize - int64(float64(status.MaxSize)*opts.TargetUsagePercent/100)
	if target <= 0 {
		return &Result{Errors: []string{}}, nil
	}

	candidates, err := m.store.ListEvictionCandidates(m.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	ranked := rankCandidates(candidates, opts.KeepFrequent, opts.MinAccessCount)

	m.logger.Info("Starting smart cleanup",
		"usage_percent", status.UsagePercent,
		"target_percent", opts.TargetUsagePercent,
		"target", humanize.IBytes(uint64(target)),
		"eligible", countEligible(ranked),
		"dry_run", opts.DryRun,
	)

	entries := make([]*domain.CacheEntry, 0, len(ranked))
	for _, sc := range ranked {
		if sc.Score <= 0 {
			break
		}
		entries = append(entries, sc.Entry)
	}
	res := m.evict(ctx, "smart", entries, target, true, opts.DryRun)
	res.FilesSkipped += len(ranked) - len(entries)
	return res, nil
}

// evict walks candidates in order, stopping as soon as target bytes are freed.
func (m *Manager) evict(ctx context.Context, mode string, candidates []*domain.CacheEntry, target int64, keepPinned, dryRun bool) *Result {
	res := &Result{Errors: []string{}}

	for _, entry := range candidates {
		if res.SpaceFreed >= target {
			break
		}
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("purge interrupted: %v", err))
			break
		}

		log := m.logger.With("capsule_id", entry.CapsuleID, "file_type", entry.FileType, "path", entry.FilePath)

		if entry.IsPinned && keepPinned {
			res.FilesSkipped++
			continue
		}

		active, err := m.store.HasActiveDownload(entry.CapsuleID, entry.FileType)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("check download for capsule %d %s: %v", entry.CapsuleID, entry.FileType, err))
			continue
		}
		if active {
			log.Debug("Skipping entry with an active download")
			res.FilesSkipped++
			continue
		}

		exists, err := storage.Exists(entry.FilePath)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("stat %s: %v", entry.FilePath, err))
			continue
		}
		if !exists {
			log.Warn("Cached file missing on disk, dropping stale entry")
			if !dryRun {
				m.forget(entry, res)
			}
			res.FilesSkipped++
			continue
		}

		if dryRun {
			log.Info("Would evict", "size", humanize.IBytes(uint64(entry.FileSize)))
			res.FilesDeleted++
			res.SpaceFreed += entry.FileSize
			continue
		}

		if err := storage.RemoveFile(entry.FilePath); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", entry.FilePath, err))
			continue
		}
		m.pruneDir(filepath.Dir(entry.FilePath))
		m.forget(entry, res)

		log.Info("Evicted", "size", humanize.IBytes(uint64(entry.FileSize)), "access_count", entry.AccessCount)
		res.FilesDeleted++
		res.SpaceFreed += entry.FileSize
	}

	if res.SpaceFreed < target {
		m.logger.Warn("Eviction pass ended below target",
			"mode", mode,
			"freed", humanize.IBytes(uint64(res.SpaceFreed)),
			"target", humanize.IBytes(uint64(target)),
		)
	}
	m.logger.Info("Eviction pass finished",
		"mode", mode,
		"deleted", res.FilesDeleted,
		"skipped", res.FilesSkipped,
		"freed", humanize.IBytes(uint64(res.SpaceFreed)),
		"errors", len(res.Errors),
		"dry_run", dryRun,
	)
	if !dryRun {
		m.metrics.ObserveEviction(mode, res.FilesDeleted, res.SpaceFreed, len(res.Errors))
	}
	return res
}

// forget drops the entry and returns its asset to cloud_only.
func (m *Manager) forget(entry *domain.CacheEntry, res *Result) {
	if err := m.store.DeleteCacheEntry(entry.CapsuleID, entry.FileType); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("delete entry for capsule %d %s: %v", entry.CapsuleID, entry.FileType, err))
		return
	}
	if err := m.store.UpdateAssetStatus(entry.CapsuleID, entry.FileType, domain.AssetStatusCloudOnly); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("reset asset for capsule %d %s: %v", entry.CapsuleID, entry.FileType, err))
	}
}

// pruneDir removes an emptied capsule directory, never the cache root.
func (m *Manager) pruneDir(dir string) {
	root := filepath.Clean(m.cfg.Dir)
	dir = filepath.Clean(dir)
	if dir == root {
		return
	}
	if rel, err := filepath.Rel(root, dir); err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if err := storage.DeleteFolderIfEmpty(dir); err != nil {
		m.logger.Debug("Failed to remove empty directory", "dir", dir, "error", err)
	}
}

// Pin exempts the entry from every eviction pass.
func (m *Manager) Pin(capsuleID int64, fileType domain.FileType) error {
	return m.setPinned(capsuleID, fileType, true)
}

func (m *Manager) Unpin(capsuleID int64, fileType domain.FileType) error {
	return m.setPinned(capsuleID, fileType, false)
}

func (m *Manager) setPinned(capsuleID int64, fileType domain.FileType, pinned bool) error {
	if err := m.store.SetPinned(capsuleID, fileType, pinned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: capsule %d %s", ErrNotCached, capsuleID, fileType)
		}
		return err
	}
	m.logger.Info("Updated pin", "capsule_id", capsuleID, "file_type", fileType, "pinned", pinned)
	return nil
}

// UpdatePriority sets the cache priority (0-10) of a resident entry.
func (m *Manager) UpdatePriority(capsuleID int64, fileType domain.FileType, priority int) error {
	if priority < constants.MinPriority || priority > constants.MaxPriority {
		return fmt.Errorf("%w, got %d", ErrInvalidPriority, priority)
	}
	if err := m.store.SetCachePriority(capsuleID, fileType, priority); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: capsule %d %s", ErrNotCached, capsuleID, fileType)
		}
		return err
	}
	return nil
}

// DeleteCapsule removes every local file of the capsule and its records.
func (m *Manager) DeleteCapsule(ctx context.Context, capsuleID int64) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	assets, err := m.store.ListAssets(capsuleID)
	if err != nil {
		return fmt.Errorf("failed to list assets: %w", err)
	}

	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		active, err := m.store.HasActiveDownload(capsuleID, a.FileType)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: capsule %d %s", ErrDownloadActive, capsuleID, a.FileType)
		}
	}

	tasks, err := m.store.ListCapsuleTasks(capsuleID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	// Paused and queued tasks may have partial files the assets do not point at.
	paths := make([]string, 0, len(assets)+len(tasks))
	for _, a := range assets {
		paths = append(paths, a.LocalPath)
	}
	for _, task := range tasks {
		paths = append(paths, task.LocalPath)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := storage.RemoveFile(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		m.pruneDir(filepath.Dir(path))
	}

	if err := m.store.DeleteAsset(capsuleID); err != nil {
		return fmt.Errorf("failed to delete capsule records: %w", err)
	}
	m.logger.Info("Deleted capsule", "capsule_id", capsuleID, "assets", len(assets))
	return nil
}

// lock serializes passes in-process and across processes.
func (m *Manager) lock() (func(), error) {
	if !m.mu.TryLock() {
		return nil, ErrPurgeInProgress
	}

	if err := storage.EnsureDir(m.cfg.Dir); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	locked, err := m.fileLock.TryLock()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire purge lock: %w", err)
	}
	if !locked {
		m.mu.Unlock()
		return nil, ErrPurgeInProgress
	}

	return func() {
		if err := m.fileLock.Unlock(); err != nil {
			m.logger.Warn("Failed to release purge lock", "error", err)
		}
		m.mu.Unlock()
	}, nil
}
