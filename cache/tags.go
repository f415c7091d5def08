package cache

import (
	"sort"
	"sync"
)

type keySet map[string]struct{}

// TagIndex maps tags to the cache keys currently providing them, and keys
// back to their tags. Both directions change together in SetTags and Remove.
type TagIndex struct {
	mu sync.RWMutex
	// buckets is tag type -> tag id -> keys. The wildcard id is stored as its own bucket.
	buckets map[string]map[string]keySet
	byKey   map[string][]Tag
}

// NewTagIndex creates an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{
		buckets: make(map[string]map[string]keySet),
		byKey:   make(map[string][]Tag),
	}
}

// SetTags replaces the tag membership of key. Invalid tags are dropped.
// Only buckets whose membership changes are touched.
func (ix *TagIndex) SetTags(key string, tags []Tag) {
	next := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		if t.Valid() {
			next[t] = struct{}{}
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, old := range ix.byKey[key] {
		if _, keep := next[old]; !keep {
			ix.unlink(key, old)
		}
	}
	prev := make(map[Tag]struct{}, len(ix.byKey[key]))
	for _, old := range ix.byKey[key] {
		prev[old] = struct{}{}
	}

	if len(next) == 0 {
		delete(ix.byKey, key)
		return
	}
	list := make([]Tag, 0, len(next))
	for t := range next {
		if _, had := prev[t]; !had {
			ix.link(key, t)
		}
		list = append(list, t)
	}
	sortTags(list)
	ix.byKey[key] = list
}

// KeysForTags returns the sorted union of keys registered under any of tags.
// A wildcard tag matches every bucket of its type; a specific tag matches
// only its own bucket.
func (ix *TagIndex) KeysForTags(tags []Tag) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	found := make(keySet)
	for _, t := range tags {
		ix.collect(t, found)
	}
	return sortedKeys(found)
}

// KeysForTag resolves a single tag.
func (ix *TagIndex) KeysForTag(tag Tag) []string {
	return ix.KeysForTags([]Tag{tag})
}

// Remove purges key from every bucket.
func (ix *TagIndex) Remove(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, t := range ix.byKey[key] {
		ix.unlink(key, t)
	}
	delete(ix.byKey, key)
}

// TagsFor returns the tags key currently provides.
func (ix *TagIndex) TagsFor(key string) []Tag {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Tag(nil), ix.byKey[key]...)
}

// Len returns the number of distinct tags with at least one key.
func (ix *TagIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, ids := range ix.buckets {
		n += len(ids)
	}
	return n
}

// Reset empties the index.
func (ix *TagIndex) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buckets = make(map[string]map[string]keySet)
	ix.byKey = make(map[string][]Tag)
}

func (ix *TagIndex) collect(t Tag, into keySet) {
	ids, ok := ix.buckets[t.Type]
	if !ok {
		return
	}
	if t.IsWildcard() {
		for _, keys := range ids {
			for k := range keys {
				into[k] = struct{}{}
			}
		}
		return
	}
	for k := range ids[t.ID] {
		into[k] = struct{}{}
	}
}

func (ix *TagIndex) link(key string, t Tag) {
	ids, ok := ix.buckets[t.Type]
	if !ok {
		ids = make(map[string]keySet)
		ix.buckets[t.Type] = ids
	}
	keys, ok := ids[t.ID]
	if !ok {
		keys = make(keySet)
		ids[t.ID] = keys
	}
	keys[key] = struct{}{}
}

func (ix *TagIndex) unlink(key string, t Tag) {
	ids, ok := ix.buckets[t.Type]
	if !ok {
		return
	}
	keys, ok := ids[t.ID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(ids, t.ID)
	}
	if len(ids) == 0 {
		delete(ix.buckets, t.Type)
	}
}

func sortedKeys(set keySet) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Type != tags[j].Type {
			return tags[i].Type < tags[j].Type
		}
		// Wildcards first within a type.
		if tags[i].IsWildcard() != tags[j].IsWildcard() {
			return tags[i].IsWildcard()
		}
		return tags[i].ID < tags[j].ID
	})
}

// tagsOverlap reports whether invalidating the first set would have matched
// an entry providing the second set.
func tagsOverlap(invalidated, provided []Tag) bool {
	for _, inv := range invalidated {
		for _, p := range provided {
			if inv.Type != p.Type {
				continue
			}
			if inv.IsWildcard() || inv.ID == p.ID {
				return true
			}
		}
	}
	return false
}
