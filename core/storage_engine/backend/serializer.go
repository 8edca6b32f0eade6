package backend

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/bytepipe"
)

// Serializer turns pages into stored bytes and back: page codec, then the
// byte pipeline, then an xxhash64 checksum recorded in the page key.
type Serializer struct {
	codec page.Codec
	pipe  *bytepipe.Pipeline
}

func NewSerializer(o Options) *Serializer {
	return &Serializer{codec: page.Codec{FanOut: o.Layout.FanOut}, pipe: o.Pipeline}
}

func (s *Serializer) Codec() page.Codec { return s.codec }

// Marshal returns the stored form of p and its checksum.
func (s *Serializer) Marshal(p *page.Page) ([]byte, uint64, error) {
	raw, err := s.codec.Encode(p)
	if err != nil {
		return nil, 0, err
	}
	stored, err := s.pipe.Encode(raw)
	if err != nil {
		return nil, 0, err
	}
	return stored, xxhash.Sum64(stored), nil
}

// Unmarshal verifies stored bytes against key and decodes them.
func (s *Serializer) Unmarshal(key page.Key, stored []byte) (*page.Page, error) {
	if uint32(len(stored)) != key.Length {
		return nil, fmt.Errorf("%w: %s: read %d bytes", dberror.ErrChecksumMismatch, key, len(stored))
	}
	if sum := xxhash.Sum64(stored); sum != key.Checksum {
		return nil, fmt.Errorf("%w: %s: computed %016x", dberror.ErrChecksumMismatch, key, sum)
	}
	raw, err := s.pipe.Decode(stored)
	if err != nil {
		return nil, dberror.Corrupt(key.String(), err)
	}
	return s.codec.Decode(raw)
}
