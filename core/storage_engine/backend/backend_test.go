package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/bytepipe"
)

func TestBeacon_RoundTrip(t *testing.T) {
	ref := page.NewCommittedReference(page.Key{ID: 2048, Length: 33, Checksum: 99})
	b := NewBeacon(7, indirect.DefaultLayout(), ref)
	data, err := b.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, BeaconSize)

	var out Beacon
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, *b, out)
	require.NoError(t, out.CheckLayout(indirect.DefaultLayout()))
	require.ErrorIs(t, out.CheckLayout(indirect.Layout{FanOut: 64, Levels: 5}), dberror.ErrLayoutMismatch)
	require.Equal(t, ref.Key(), out.Reference().Key())
}

func TestBeacon_DetectsTornWrite(t *testing.T) {
	b := NewBeacon(1, indirect.DefaultLayout(), page.NewCommittedReference(page.Key{ID: 1}))
	data, err := b.MarshalBinary()
	require.NoError(t, err)
	data[10] ^= 0x01

	var out Beacon
	err = out.UnmarshalBinary(data)
	require.ErrorIs(t, err, dberror.ErrInvalidBeacon)
	require.True(t, dberror.IsCorruption(err))
	require.ErrorIs(t, out.UnmarshalBinary(data[:12]), dberror.ErrInvalidBeacon)
	require.True(t, IsZero(make([]byte, BeaconSize)))
}

func TestSerializer_ChecksumMismatch(t *testing.T) {
	s := NewSerializer(Options{Layout: indirect.DefaultLayout(), Pipeline: bytepipe.New(bytepipe.XZ{})})
	p := page.NewUberPage(3)
	p.Uber().RevisionCount = 4

	stored, sum, err := s.Marshal(p)
	require.NoError(t, err)
	key := page.Key{ID: 1, Length: uint32(len(stored)), Checksum: sum}

	out, err := s.Unmarshal(key, stored)
	require.NoError(t, err)
	require.Equal(t, uint64(4), out.Uber().RevisionCount)

	stored[len(stored)/2] ^= 0xff
	_, err = s.Unmarshal(key, stored)
	require.ErrorIs(t, err, dberror.ErrChecksumMismatch)
	require.True(t, dberror.IsCorruption(err))
	require.False(t, dberror.IsIO(err))
}
