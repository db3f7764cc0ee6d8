package cache

import (
	"sync"

	"github.com/saiset-co/sai-cache/utils"
)

// invalidationIndex is the manager-local tag and dependency bookkeeping.
// Every tracked key corresponds to an entry written through the manager;
// index mutation is always paired with the write or delete that caused it.
type invalidationIndex struct {
	mu   sync.RWMutex
	tags map[string]map[string]struct{}
	deps map[string]map[string]struct{}
	keys map[string]*keyRefs
}

type keyRefs struct {
	tags []string
	deps []string
}

func newInvalidationIndex() *invalidationIndex {
	return &invalidationIndex{
		tags: make(map[string]map[string]struct{}),
		deps: make(map[string]map[string]struct{}),
		keys: make(map[string]*keyRefs),
	}
}

// Track registers a key with its tags and dependencies, replacing whatever
// the key was tracked under before. Keys without tags or dependencies are
// still tracked so Size reflects every live entry.
func (ix *invalidationIndex) Track(key string, tags, deps []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.untrackLocked(key)

	refs := &keyRefs{}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		bucket := ix.tags[tag]
		if bucket == nil {
			bucket = make(map[string]struct{})
			ix.tags[tag] = bucket
		}
		bucket[key] = struct{}{}
		refs.tags = append(refs.tags, tag)
	}
	for _, dep := range deps {
		if dep == "" {
			continue
		}
		bucket := ix.deps[dep]
		if bucket == nil {
			bucket = make(map[string]struct{})
			ix.deps[dep] = bucket
		}
		bucket[key] = struct{}{}
		refs.deps = append(refs.deps, dep)
	}

	ix.keys[key] = refs
}

// RemoveKey prunes the key from every bucket containing it.
func (ix *invalidationIndex) RemoveKey(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.untrackLocked(key)
}

// TakeTag returns the members of a tag bucket and removes the bucket along
// with the members' bookkeeping. An unknown tag yields an empty slice.
func (ix *invalidationIndex) TakeTag(tag string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	bucket, exists := ix.tags[tag]
	if !exists {
		return nil
	}

	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	for _, key := range keys {
		ix.untrackLocked(key)
	}

	return keys
}

// TakeDependency is symmetric to TakeTag, keyed by dependency id.
func (ix *invalidationIndex) TakeDependency(dep string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	bucket, exists := ix.deps[dep]
	if !exists {
		return nil
	}

	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	for _, key := range keys {
		ix.untrackLocked(key)
	}

	return keys
}

func (ix *invalidationIndex) KeysForTag(tag string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys := make([]string, 0, len(ix.tags[tag]))
	for key := range ix.tags[tag] {
		keys = append(keys, key)
	}
	return keys
}

func (ix *invalidationIndex) KeysForDependency(dep string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys := make([]string, 0, len(ix.deps[dep]))
	for key := range ix.deps[dep] {
		keys = append(keys, key)
	}
	return keys
}

// RemoveMatched prunes every tracked key that matches the pattern and
// returns the pruned keys. Used by pattern-based clearing.
func (ix *invalidationIndex) RemoveMatched(matcher *utils.Matcher) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var matched []string
	for key := range ix.keys {
		if matcher.Match(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		ix.untrackLocked(key)
	}

	return matched
}

// Retain drops bookkeeping for any tracked key absent from live. Wired to
// the maintenance sweep so TTL-evicted entries do not pin index buckets.
func (ix *invalidationIndex) Retain(live map[string]struct{}) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var dead []string
	for key := range ix.keys {
		if _, ok := live[key]; !ok {
			dead = append(dead, key)
		}
	}
	for _, key := range dead {
		ix.untrackLocked(key)
	}

	return len(dead)
}

func (ix *invalidationIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.keys)
}

func (ix *invalidationIndex) untrackLocked(key string) {
	refs, exists := ix.keys[key]
	if !exists {
		return
	}

	for _, tag := range refs.tags {
		if bucket, ok := ix.tags[tag]; ok {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(ix.tags, tag)
			}
		}
	}
	for _, dep := range refs.deps {
		if bucket, ok := ix.deps[dep]; ok {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(ix.deps, dep)
			}
		}
	}

	delete(ix.keys, key)
}
