package page

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// NameBody interns names shared by all node pages of a revision.
type NameBody struct {
	names map[int32]string
}

func newNameBody() *NameBody {
	return &NameBody{names: make(map[int32]string)}
}

func (b *NameBody) clone() *NameBody {
	c := &NameBody{names: make(map[int32]string, len(b.names))}
	for k, v := range b.names {
		c.names[k] = v
	}
	return c
}

// Name resolves a name key.
func (b *NameBody) Name(key int32) (string, bool) {
	s, ok := b.names[key]
	return s, ok
}

// KeyOf returns the key of an interned name.
func (b *NameBody) KeyOf(name string) (int32, bool) {
	key := nameHash(name)
	for {
		s, ok := b.names[key]
		if !ok {
			return 0, false
		}
		if s == name {
			return key, true
		}
		key++
	}
}

// Add interns name and returns its key. Keys derive from the name hash with
// linear probing on collision, so they are stable across revisions.
func (b *NameBody) Add(name string) int32 {
	key := nameHash(name)
	for {
		s, ok := b.names[key]
		if !ok {
			b.names[key] = name
			return key
		}
		if s == name {
			return key
		}
		key++
	}
}

func (b *NameBody) Len() int { return len(b.names) }

// Keys returns all name keys in ascending order.
func (b *NameBody) Keys() []int32 {
	keys := make([]int32, 0, len(b.names))
	for k := range b.names {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func nameHash(name string) int32 {
	return int32(uint32(xxhash.Sum64String(name)))
}
