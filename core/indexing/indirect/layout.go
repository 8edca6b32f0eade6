// Package indirect translates logical record numbers into page references by
// walking a fixed-depth, fixed-fan-out trie of indirect pages.
//
// Level 0 is the top indirect page. At each level the slot index is taken
// from the record number's bits, most significant group first, so the trie
// is a radix tree over the record number.
package indirect

import (
	"fmt"
	"math/bits"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
)

const (
	DefaultFanOut = 128
	DefaultLevels = 5
)

// Layout fixes the shape of an indirect trie.
type Layout struct {
	FanOut int
	Levels int
}

// DefaultLayout is 128-way, five levels deep.
func DefaultLayout() Layout {
	return Layout{FanOut: DefaultFanOut, Levels: DefaultLevels}
}

// Validate checks that FanOut is a power of two >= 2 and that the trie
// addresses no more than 64 bits.
func (l Layout) Validate() error {
	if l.FanOut < 2 || l.FanOut&(l.FanOut-1) != 0 {
		return fmt.Errorf("%w: fan-out %d is not a power of two >= 2", dberror.ErrInvalidConfig, l.FanOut)
	}
	if l.Levels < 1 {
		return fmt.Errorf("%w: levels must be at least 1, got %d", dberror.ErrInvalidConfig, l.Levels)
	}
	if l.bitsPerLevel()*l.Levels > 64 {
		return fmt.Errorf("%w: %d levels of fan-out %d exceed 64 address bits", dberror.ErrInvalidConfig, l.Levels, l.FanOut)
	}
	return nil
}

func (l Layout) bitsPerLevel() int {
	return bits.TrailingZeros(uint(l.FanOut))
}

// Offset returns the slot index used at level for record number n.
func (l Layout) Offset(n uint64, level int) int {
	shift := uint((l.Levels - 1 - level) * l.bitsPerLevel())
	return int((n >> shift) & uint64(l.FanOut-1))
}

// Offsets returns the slot index of every level, top first.
func (l Layout) Offsets(n uint64) []int {
	offs := make([]int, l.Levels)
	for level := range offs {
		offs[level] = l.Offset(n, level)
	}
	return offs
}

// MaxRecord is the largest record number the trie can address.
func (l Layout) MaxRecord() uint64 {
	total := l.bitsPerLevel() * l.Levels
	if total >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(total) - 1
}

// Check rejects record numbers beyond MaxRecord.
func (l Layout) Check(n uint64) error {
	if n > l.MaxRecord() {
		return fmt.Errorf("%w: %d > %d", dberror.ErrRecordKeyOutOfRange, n, l.MaxRecord())
	}
	return nil
}
