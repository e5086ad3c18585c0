package coordinator

import (
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

// StashEntry records the key a rule produced during the request phase.
type StashEntry struct {
	Rule *rules.Rule
	Key  string
	Hash uint64
}

// StoreKey returns the entry as a store key.
func (e StashEntry) StoreKey() store.Key {
	return store.Key{Name: e.Key, Hash: e.Hash}
}

// stash is appended to in rule evaluation order while request headers are
// processed and only read afterwards.
type stash []StashEntry

func (s *stash) add(rule *rules.Rule, key store.Key) {
	*s = append(*s, StashEntry{Rule: rule, Key: key.Name, Hash: key.Hash})
}

// find returns the first entry recorded for rule.
func (s stash) find(rule *rules.Rule) (StashEntry, bool) {
	for _, entry := range s {
		if entry.Rule == rule {
			return entry, true
		}
	}
	return StashEntry{}, false
}
