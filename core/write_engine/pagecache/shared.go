package pagecache

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/JohannesLichtenberger/treetank/core/page"
)

// SharedPages caches committed pages by durable key for every transaction of
// a session. Committed pages are immutable, so readers may share them
// freely; writers clone before modifying.
type SharedPages struct {
	cache *ristretto.Cache[uint64, *page.Page]
}

// NewSharedPages holds roughly maxPages pages.
func NewSharedPages(maxPages int64) (*SharedPages, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *page.Page]{
		NumCounters: maxPages * 10,
		MaxCost:     maxPages,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SharedPages{cache: cache}, nil
}

func (s *SharedPages) Get(k page.Key) (*page.Page, bool) {
	return s.cache.Get(k.ID)
}

// Add offers p to the cache. Admission is probabilistic.
func (s *SharedPages) Add(k page.Key, p *page.Page) {
	s.cache.Set(k.ID, p, 1)
}

// Wait blocks until pending Adds are applied.
func (s *SharedPages) Wait() { s.cache.Wait() }

func (s *SharedPages) Close() { s.cache.Close() }
