package cache

import (
	"encoding/json"
	"sort"

	"github.com/counsel-dev/counsel/internal/model"
)

// CompareFileHashes classifies every path in old ∪ new into exactly one
// bucket: added (new only), removed (old only), modified (both, hash differs),
// unchanged (both, hash equal). Buckets are sorted for deterministic output.
func CompareFileHashes(old, new map[string]string) model.ChangeSet {
	var cs model.ChangeSet
	for path, newHash := range new {
		oldHash, ok := old[path]
		switch {
		case !ok:
			cs.Added = append(cs.Added, path)
		case oldHash != newHash:
			cs.Modified = append(cs.Modified, path)
		default:
			cs.Unchanged = append(cs.Unchanged, path)
		}
	}
	for path := range old {
		if _, ok := new[path]; !ok {
			cs.Removed = append(cs.Removed, path)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Removed)
	sort.Strings(cs.Unchanged)
	return cs
}

// PathResults maps input paths to their per-path analysis payloads.
type PathResults map[string]json.RawMessage

// MergeResults combines a prior cached partial result with a freshly computed
// one: fresh entries win, cached entries survive unless their path was
// removed, and removed paths never appear in the output. The merge is
// idempotent — merging a combined result with the same fresh partial again
// yields the same combined result.
func MergeResults(cached, fresh PathResults, removed []string) PathResults {
	combined := make(PathResults, len(cached)+len(fresh))
	gone := make(map[string]bool, len(removed))
	for _, p := range removed {
		gone[p] = true
	}
	for path, value := range cached {
		if !gone[path] {
			combined[path] = value
		}
	}
	for path, value := range fresh {
		if !gone[path] {
			combined[path] = value
		}
	}
	return combined
}

// HashPaths hashes the current contents of paths. Unreadable paths are
// reported so the caller can decide whether to treat them as removed.
func HashPaths(paths []string) (map[string]string, []string) {
	hashes := make(map[string]string, len(paths))
	var unreadable []string
	for _, p := range paths {
		h, err := HashFile(p)
		if err != nil {
			unreadable = append(unreadable, p)
			continue
		}
		hashes[p] = h
	}
	sort.Strings(unreadable)
	return hashes, unreadable
}
