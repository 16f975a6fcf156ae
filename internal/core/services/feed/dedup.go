package feed

import (
	domainfeed "sideseat/internal/core/domain/feed"
)

// computeIdentities fills ContentHash on every block (§4.F phase 4's
// identity key) and groups indices by identity.
func computeIdentities(blocks []domainfeed.BlockEntry) map[string][]int {
	groups := map[string][]int{}
	for i := range blocks {
		blocks[i].ContentHash = contentHash(&blocks[i])
		groups[blocks[i].ContentHash] = append(groups[blocks[i].ContentHash], i)
	}
	return groups
}

// markDuplicatesHistory is phase 3's eighth sub-phase and phase 4's
// selection rule rolled into one pass: within each identity group, every
// entry but the highest-quality one is marked history (sub-phase 7),
// and QualityScore is recorded on every block for diagnostics.
func markDuplicatesHistory(blocks []domainfeed.BlockEntry, groups map[string][]int) {
	for i := range blocks {
		blocks[i].QualityScore = qualityScore(&blocks[i])
	}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		best := pickBest(group, blocks)
		for _, idx := range group {
			if idx != best {
				blocks[idx].IsHistory = true
			}
		}
	}
}

// dedupCount reports how many blocks were marked history purely by
// deduplication (used for FeedMetadata.DuplicatesRemoved): every
// non-best member of a group sized > 1.
func dedupCount(groups map[string][]int) int {
	n := 0
	for _, group := range groups {
		if len(group) > 1 {
			n += len(group) - 1
		}
	}
	return n
}
