package store

import "github.com/cespare/xxhash/v2"

// HashKey returns the 64-bit digest used to index entries.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}
