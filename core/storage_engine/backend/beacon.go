package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
)

// BeaconMagic identifies a beacon record ("TTBC").
const BeaconMagic uint32 = 0x54544243

const beaconVersion uint32 = 1

// BeaconSize is the encoded size: magic(4) version(4) sequence(8) fanOut(4)
// levels(4) uber key(20) blake3 digest(32).
const BeaconSize = 4 + 4 + 8 + 4 + 4 + page.KeySize + 32

// Beacon is the small fixed-location record naming the current uber page.
// Rewriting it is the single step that publishes a revision.
type Beacon struct {
	Sequence uint64
	FanOut   uint32
	Levels   uint32
	UberKey  page.Key
}

// NewBeacon describes ref under layout l.
func NewBeacon(seq uint64, l indirect.Layout, ref *page.Reference) *Beacon {
	return &Beacon{
		Sequence: seq,
		FanOut:   uint32(l.FanOut),
		Levels:   uint32(l.Levels),
		UberKey:  ref.Key(),
	}
}

// Reference returns a committed reference to the uber page.
func (b *Beacon) Reference() *page.Reference {
	return page.NewCommittedReference(b.UberKey)
}

// CheckLayout rejects a beacon written under a different indirect layout.
func (b *Beacon) CheckLayout(l indirect.Layout) error {
	if int(b.FanOut) != l.FanOut || int(b.Levels) != l.Levels {
		return fmt.Errorf("%w: stored %dx%d, configured %dx%d", dberror.ErrLayoutMismatch, b.FanOut, b.Levels, l.FanOut, l.Levels)
	}
	return nil
}

func (b *Beacon) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, BeaconSize)
	buf = binary.LittleEndian.AppendUint32(buf, BeaconMagic)
	buf = binary.LittleEndian.AppendUint32(buf, beaconVersion)
	buf = binary.LittleEndian.AppendUint64(buf, b.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, b.FanOut)
	buf = binary.LittleEndian.AppendUint32(buf, b.Levels)
	buf = binary.LittleEndian.AppendUint64(buf, b.UberKey.ID)
	buf = binary.LittleEndian.AppendUint32(buf, b.UberKey.Length)
	buf = binary.LittleEndian.AppendUint64(buf, b.UberKey.Checksum)
	digest := blake3.Sum256(buf)
	return append(buf, digest[:]...), nil
}

func (b *Beacon) UnmarshalBinary(data []byte) error {
	if len(data) < BeaconSize {
		return fmt.Errorf("%w: beacon is %d bytes, want %d", dberror.ErrInvalidBeacon, len(data), BeaconSize)
	}
	data = data[:BeaconSize]
	body, sum := data[:BeaconSize-32], data[BeaconSize-32:]
	digest := blake3.Sum256(body)
	if !bytes.Equal(digest[:], sum) {
		return fmt.Errorf("%w: digest mismatch", dberror.ErrInvalidBeacon)
	}
	if magic := binary.LittleEndian.Uint32(body[0:4]); magic != BeaconMagic {
		return fmt.Errorf("%w: bad magic 0x%x", dberror.ErrInvalidBeacon, magic)
	}
	if v := binary.LittleEndian.Uint32(body[4:8]); v != beaconVersion {
		return fmt.Errorf("%w: unsupported version %d", dberror.ErrInvalidBeacon, v)
	}
	b.Sequence = binary.LittleEndian.Uint64(body[8:16])
	b.FanOut = binary.LittleEndian.Uint32(body[16:20])
	b.Levels = binary.LittleEndian.Uint32(body[20:24])
	b.UberKey = page.Key{
		ID:       binary.LittleEndian.Uint64(body[24:32]),
		Length:   binary.LittleEndian.Uint32(body[32:36]),
		Checksum: binary.LittleEndian.Uint64(body[36:44]),
	}
	return nil
}

// IsZero reports whether data is an unwritten beacon slot.
func IsZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
