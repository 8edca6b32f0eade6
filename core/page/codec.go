package page

import (
	"encoding/binary"
	"fmt"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
)

// Presence flags of reference and record slots.
const (
	slotAbsent  uint32 = 0
	slotPresent uint32 = 1
)

// Codec serializes pages. The indirect fan-out is part of the layout because
// an indirect page's slot count is not stored in its bytes.
//
// Layout: kind(1) | revision(8) | N x presence(4) | N' x Key(20) | body.
type Codec struct {
	FanOut int
}

func (c Codec) referenceCount(kind Kind) (int, error) {
	switch kind {
	case KindNode, KindName:
		return 0, nil
	case KindIndirect:
		return c.FanOut, nil
	case KindRevisionRoot:
		return rootReferenceCount, nil
	case KindUber:
		return uberReferenceCount, nil
	default:
		return 0, dberror.Corrupt(fmt.Sprintf("unknown page kind %d", byte(kind)), nil)
	}
}

// Encode serializes p. Every non-empty child reference must be committed.
func (c Codec) Encode(p *Page) ([]byte, error) {
	n, err := c.referenceCount(p.kind)
	if err != nil {
		return nil, err
	}
	if n != len(p.refs) {
		return nil, fmt.Errorf("page: %s page has %d slots, layout expects %d", p.kind, len(p.refs), n)
	}

	buf := make([]byte, 0, 1+8+n*(4+KeySize)+64)
	buf = append(buf, byte(p.kind))
	buf = binary.LittleEndian.AppendUint64(buf, p.revision)
	for i, ref := range p.refs {
		switch {
		case ref == nil || ref.IsEmpty():
			buf = binary.LittleEndian.AppendUint32(buf, slotAbsent)
		case ref.IsCommitted():
			buf = binary.LittleEndian.AppendUint32(buf, slotPresent)
		default:
			return nil, fmt.Errorf("page: slot %d of %s page is not committed", i, p)
		}
	}
	for _, ref := range p.refs {
		if ref != nil && ref.IsCommitted() {
			buf = appendKey(buf, ref.key)
		}
	}

	switch p.kind {
	case KindNode:
		buf = c.appendNodeBody(buf, p.node)
	case KindName:
		buf = appendNameBody(buf, p.names)
	case KindRevisionRoot:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.root.MaxNodeKey))
		buf = binary.LittleEndian.AppendUint64(buf, p.root.NodeCount)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.root.CommittedAt))
	case KindUber:
		buf = binary.LittleEndian.AppendUint64(buf, p.uber.RevisionCount)
	}
	return buf, nil
}

func appendKey(buf []byte, k Key) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, k.ID)
	buf = binary.LittleEndian.AppendUint32(buf, k.Length)
	return binary.LittleEndian.AppendUint64(buf, k.Checksum)
}

func (c Codec) appendNodeBody(buf []byte, b *NodeBody) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, b.PageNumber)
	for _, r := range b.records {
		if r == nil {
			buf = binary.LittleEndian.AppendUint32(buf, slotAbsent)
		} else {
			buf = binary.LittleEndian.AppendUint32(buf, slotPresent)
		}
	}
	for _, r := range b.records {
		if r == nil {
			continue
		}
		buf = binary.LittleEndian.AppendUint64(buf, r.Key)
		buf = append(buf, byte(r.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, r.ParentKey)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.NameKey))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Value)))
		buf = append(buf, r.Value...)
	}
	return buf
}

func appendNameBody(buf []byte, b *NameBody) []byte {
	keys := b.Keys()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		name := b.names[k]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(k))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
		buf = append(buf, name...)
	}
	return buf
}

// Decode is the exact inverse of Encode. Decoded references are committed
// and not instantiated.
func (c Codec) Decode(data []byte) (*Page, error) {
	d := &decoder{data: data}
	kind := Kind(d.byte())
	if d.err != nil {
		return nil, d.err
	}
	n, err := c.referenceCount(kind)
	if err != nil {
		return nil, err
	}
	p := New(kind, n, d.uint64())

	present := make([]bool, n)
	for i := range present {
		present[i] = d.flag()
	}
	for i := range present {
		if present[i] {
			p.refs[i] = NewCommittedReference(d.key())
		}
	}

	switch kind {
	case KindNode:
		d.nodeBody(p.node)
	case KindName:
		d.nameBody(p.names)
	case KindRevisionRoot:
		p.root.MaxNodeKey = int64(d.uint64())
		p.root.NodeCount = d.uint64()
		p.root.CommittedAt = int64(d.uint64())
	case KindUber:
		p.uber.RevisionCount = d.uint64()
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.pos != len(d.data) {
		return nil, dberror.Corrupt(fmt.Sprintf("%d trailing bytes after %s page", len(d.data)-d.pos, kind), nil)
	}
	return p, nil
}

// decoder reads little-endian fields and latches the first error.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = dberror.Corrupt(fmt.Sprintf("truncated page: need %d bytes at offset %d of %d", n, d.pos, len(d.data)), nil)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) flag() bool {
	v := d.uint32()
	if d.err == nil && v != slotAbsent && v != slotPresent {
		d.err = dberror.Corrupt(fmt.Sprintf("invalid presence flag %d at offset %d", v, d.pos-4), nil)
	}
	return v == slotPresent
}

func (d *decoder) key() Key {
	return Key{ID: d.uint64(), Length: d.uint32(), Checksum: d.uint64()}
}

func (d *decoder) nodeBody(b *NodeBody) {
	b.PageNumber = d.uint64()
	var present [NodesPerPage]bool
	for i := range present {
		present[i] = d.flag()
	}
	for i := range present {
		if !present[i] || d.err != nil {
			continue
		}
		n := &Node{
			Key:       d.uint64(),
			Kind:      NodeKind(d.byte()),
			ParentKey: d.uint64(),
			NameKey:   int32(d.uint32()),
		}
		if v := d.take(int(d.uint32())); len(v) > 0 {
			n.Value = append([]byte(nil), v...)
		}
		b.records[i] = n
	}
}

func (d *decoder) nameBody(b *NameBody) {
	count := d.uint32()
	for i := uint32(0); i < count && d.err == nil; i++ {
		key := int32(d.uint32())
		name := d.take(int(d.uint32()))
		if d.err == nil {
			b.names[key] = string(name)
		}
	}
}
