package cache

import (
	"sort"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
)

// ScoredEntry pairs a candidate with its eviction score.
type ScoredEntry struct {
	Entry *domain.CacheEntry
	Score float64
}

// TypeWeight returns how cheaply a file type can be dropped. audio_folder
// shares the weight of other.
func TypeWeight(t domain.FileType) float64 {
	switch t {
	case domain.FileTypePreview:
		return constants.WeightPreview
	case domain.FileTypeWAV:
		return constants.WeightWAV
	case domain.FileTypeRPP:
		return constants.WeightRPP
	default:
		return constants.WeightOther
	}
}

// Score is (1/max(1,access)) * sizeMiB * typeWeight. Pinned entries and,
// with keepFrequent, entries read at least minAccess times score -1.
func Score(e *domain.CacheEntry, keepFrequent bool, minAccess int) float64 {
	if e.IsPinned {
		return constants.PinnedScore
	}
	access := e.AccessCount
	if access < 1 {
		access = 1
	}
	if keepFrequent && access >= minAccess {
		return constants.PinnedScore
	}
	sizeMiB := float64(e.FileSize) / float64(constants.MiB)
	return (1 / float64(access)) * sizeMiB * TypeWeight(e.FileType)
}

// rankCandidates scores every entry and sorts highest score first. Ties keep
// the least-recently-accessed order of the input.
func rankCandidates(entries []*domain.CacheEntry, keepFrequent bool, minAccess int) []ScoredEntry {
	ranked := make([]ScoredEntry, len(entries))
	for i, e := range entries {
		ranked[i] = ScoredEntry{Entry: e, Score: Score(e, keepFrequent, minAccess)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func countEligible(ranked []ScoredEntry) int {
	n := 0
	for _, sc := range ranked {
		if sc.Score > 0 {
			n++
		}
	}
	return n
}
