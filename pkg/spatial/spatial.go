// Package spatial implements the Spatial Index (spec §4.5): O(1)
// amortized lookup of leases whose ResourceKey might conflict with a
// candidate key, narrowing the Territory Manager's exact-overlap check
// down from "scan every lease" to "scan this cell".
package spatial

import (
	"strings"

	"github.com/liminal-dev/liminal/pkg/types"
)

// IsGlob reports whether a ResourceKey contains a wildcard anywhere,
// e.g. "a/b/*".
func IsGlob(key types.ResourceKey) bool {
	return strings.Contains(string(key), "*")
}

// prefixOf strips the trailing glob marker, leaving the literal path
// prefix a glob key stands for. "a/b/*" -> "a/b/".
func prefixOf(key types.ResourceKey) string {
	s := string(key)
	if i := strings.IndexByte(s, '*'); i >= 0 {
		return s[:i]
	}
	return s
}

// Overlaps implements the conflict semantics from spec §4.5: a glob
// "a/b/*" conflicts with "a/b/c" and vice versa; identical keys always
// conflict; two keys in unrelated subtrees never do.
func Overlaps(a, b types.ResourceKey) bool {
	if a == b {
		return true
	}
	if IsGlob(a) && strings.HasPrefix(string(b), prefixOf(a)) {
		return true
	}
	if IsGlob(b) && strings.HasPrefix(string(a), prefixOf(b)) {
		return true
	}
	return false
}

// cellOf buckets a ResourceKey into a coarse namespace so the index
// only has to scan keys that could plausibly overlap. It uses the
// first path segment of the literal prefix: "a/b/*" and "a/b/c" both
// land in cell "a", while "z/q" lands in a different cell entirely and
// is never compared against them.
func cellOf(key types.ResourceKey) string {
	p := prefixOf(key)
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}

// Index maps resource keys to leases through their cell. One
// ResourceKey holds at most one LeaseId at a time; the Territory
// Manager is responsible for enforcing that invariant (spec §2
// ResourceKey note) before calling Insert.
type Index struct {
	cells map[string]map[types.ResourceKey]types.LeaseId
}

// New constructs an empty Index.
func New() *Index {
	return &Index{cells: make(map[string]map[types.ResourceKey]types.LeaseId)}
}

// Insert records that leaseID occupies resource.
func (idx *Index) Insert(resource types.ResourceKey, leaseID types.LeaseId) {
	cell := cellOf(resource)
	bucket, ok := idx.cells[cell]
	if !ok {
		bucket = make(map[types.ResourceKey]types.LeaseId)
		idx.cells[cell] = bucket
	}
	bucket[resource] = leaseID
}

// Remove forgets resource's occupancy.
func (idx *Index) Remove(resource types.ResourceKey) {
	cell := cellOf(resource)
	bucket, ok := idx.cells[cell]
	if !ok {
		return
	}
	delete(bucket, resource)
	if len(bucket) == 0 {
		delete(idx.cells, cell)
	}
}

// Overlapping returns every (resource, lease) pair currently indexed
// whose key overlaps the candidate per Overlaps. The scan is confined
// to candidate's cell, giving O(1) amortized behavior so long as cells
// stay small relative to the total lease population (spec §4.5).
func (idx *Index) Overlapping(candidate types.ResourceKey) []Conflict {
	bucket, ok := idx.cells[cellOf(candidate)]
	if !ok {
		return nil
	}
	var out []Conflict
	for key, lease := range bucket {
		if Overlaps(key, candidate) {
			out = append(out, Conflict{Resource: key, LeaseId: lease})
		}
	}
	return out
}

// Conflict is one overlapping entry returned by Overlapping.
type Conflict struct {
	Resource types.ResourceKey
	LeaseId  types.LeaseId
}
