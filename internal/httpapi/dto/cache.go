package dto

import (
	"github.com/dustin/go-humanize"

	"github.com/cesargomez89/capsulecache/internal/cache"
)

type PurgeRequest struct {
	KeepPinned     *bool  `json:"keep_pinned"`
	MaxBytesToFree *int64 `json:"max_bytes_to_free"`
	DryRun         bool   `json:"dry_run"`
}

func (r *PurgeRequest) Validate() []ValidationError {
	return validateNonNegative("max_bytes_to_free", r.MaxBytesToFree)
}

func (r *PurgeRequest) ToOptions() cache.PurgeOptions {
	opts := cache.DefaultPurgeOptions()
	if r.KeepPinned != nil {
		opts.KeepPinned = *r.KeepPinned
	}
	opts.MaxBytesToFree = r.MaxBytesToFree
	opts.DryRun = r.DryRun
	return opts
}

type SmartCleanupRequest struct {
	TargetUsagePercent *float64 `json:"target_usage_percent"`
	KeepFrequent       *bool    `json:"keep_frequent"`
	MinAccessCount     *int     `json:"min_access_count"`
	DryRun             bool     `json:"dry_run"`
}

func (r *SmartCleanupRequest) Validate() []ValidationError {
	var errs []ValidationError
	if r.TargetUsagePercent != nil && (*r.TargetUsagePercent <= 0 || *r.TargetUsagePercent > 100) {
		errs = append(errs, ValidationError{Field: "target_usage_percent", Message: "must be greater than 0 and at most 100"})
	}
	if r.MinAccessCount != nil && *r.MinAccessCount < 1 {
		errs = append(errs, ValidationError{Field: "min_access_count", Message: "must be at least 1"})
	}
	return errs
}

func (r *SmartCleanupRequest) ToOptions() cache.SmartOptions {
	opts := cache.DefaultSmartOptions()
	if r.TargetUsagePercent != nil {
		opts.TargetUsagePercent = *r.TargetUsagePercent
	}
	if r.KeepFrequent != nil {
		opts.KeepFrequent = *r.KeepFrequent
	}
	if r.MinAccessCount != nil {
		opts.MinAccessCount = *r.MinAccessCount
	}
	opts.DryRun = r.DryRun
	return opts
}

type ClearRequest struct {
	KeepPinned *bool `json:"keep_pinned"`
}

func (r *ClearRequest) KeepPinnedOrDefault() bool {
	return r.KeepPinned == nil || *r.KeepPinned
}

type PriorityRequest struct {
	Priority *int `json:"priority"`
}

func (r *PriorityRequest) Validate() []ValidationError {
	if r.Priority == nil {
		return []ValidationError{{Field: "priority", Message: "is required"}}
	}
	return validatePriority(r.Priority)
}

// CacheSettingsRequest updates persisted cache settings. MaxSize accepts
// human-readable sizes such as "10GiB".
type CacheSettingsRequest struct {
	MaxSize   *string `json:"max_size"`
	AutoPurge *bool   `json:"auto_purge"`
}

func (r *CacheSettingsRequest) Validate() []ValidationError {
	var errs []ValidationError
	if r.MaxSize != nil {
		if size, err := humanize.ParseBytes(*r.MaxSize); err != nil || size == 0 {
			errs = append(errs, ValidationError{Field: "max_size", Message: "must be a positive size such as 500MB or 10GiB"})
		}
	}
	if r.MaxSize == nil && r.AutoPurge == nil {
		errs = append(errs, ValidationError{Field: "max_size", Message: "max_size or auto_purge is required"})
	}
	return errs
}

// MaxSizeBytes returns the parsed size. Call Validate first.
func (r *CacheSettingsRequest) MaxSizeBytes() int64 {
	if r.MaxSize == nil {
		return 0
	}
	size, _ := humanize.ParseBytes(*r.MaxSize)
	return int64(size)
}

type CacheSettingsResponse struct {
	MaxSizeHuman string `json:"max_size_human"`
	MaxSize      int64  `json:"max_size"`
	AutoPurge    bool   `json:"auto_purge"`
}

func NewCacheSettingsResponse(maxSize int64, autoPurge bool) CacheSettingsResponse {
	return CacheSettingsResponse{
		MaxSizeHuman: humanize.IBytes(uint64(maxSize)),
		MaxSize:      maxSize,
		AutoPurge:    autoPurge,
	}
}
