package page

import (
	"errors"
	"testing"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/stretchr/testify/require"
)

var testCodec = Codec{FanOut: 128}

type recordingCommitter struct {
	seen []*Reference
}

func (c *recordingCommitter) CommitReference(ref *Reference) error {
	c.seen = append(c.seen, ref)
	return nil
}

func roundTrip(t *testing.T, p *Page) *Page {
	t.Helper()
	data, err := testCodec.Encode(p)
	require.NoError(t, err)
	out, err := testCodec.Decode(data)
	require.NoError(t, err)
	return out
}

func TestIndirectPage_RoundTrip(t *testing.T) {
	p := NewIndirectPage(128, 7)
	require.NoError(t, p.SetReference(0, NewCommittedReference(Key{ID: 1024, Length: 40, Checksum: 0xabc})))
	require.NoError(t, p.SetReference(72, NewCommittedReference(Key{ID: 4096, Length: 12, Checksum: 0xdef})))

	out := roundTrip(t, p)
	require.Equal(t, KindIndirect, out.Kind())
	require.Equal(t, uint64(7), out.Revision())
	require.Equal(t, 128, out.ReferenceCount())
	for i := 0; i < 128; i++ {
		want, _ := p.PeekReference(i)
		got, err := out.PeekReference(i)
		require.NoError(t, err)
		if want == nil {
			require.Nil(t, got, "slot %d", i)
			continue
		}
		require.NotNil(t, got, "slot %d", i)
		require.Equal(t, want.Key(), got.Key())
		require.True(t, got.IsCommitted())
		require.False(t, got.IsInstantiated())
	}
}

func TestNodePage_RoundTrip(t *testing.T) {
	p := NewNodePage(3, 2)
	p.Node().SetRecord(0, &Node{Key: 384, Kind: NodeKindElement, ParentKey: 1, NameKey: 42, Value: []byte("x")})
	p.Node().SetRecord(5, &Node{Key: 389, Kind: NodeKindText, ParentKey: 384, Value: []byte("hello world")})
	p.Node().SetRecord(127, &Node{Key: 511, Kind: NodeKindDeleted})

	out := roundTrip(t, p)
	require.Equal(t, uint64(3), out.Node().PageNumber)
	require.Equal(t, 3, out.Node().Len())
	require.Equal(t, p.Node().Record(0), out.Node().Record(0))
	require.Equal(t, p.Node().Record(5), out.Node().Record(5))
	require.True(t, out.Node().Record(127).IsDeleted())
	require.Nil(t, out.Node().Record(1))
}

func TestNodePage_EmptyValueIsNil(t *testing.T) {
	p := NewNodePage(0, 1)
	p.Node().SetRecord(2, &Node{Key: 2, Kind: NodeKindText, Value: []byte{}})
	require.Nil(t, p.Node().Record(2).Value)

	out := roundTrip(t, p)
	require.Equal(t, p.Node().Record(2), out.Node().Record(2))
}

func TestNamePage_RoundTrip(t *testing.T) {
	p := NewNamePage(1)
	a := p.Names().Add("book")
	b := p.Names().Add("chapter")
	require.Equal(t, a, p.Names().Add("book"), "adding twice must return the same key")

	out := roundTrip(t, p)
	name, ok := out.Names().Name(a)
	require.True(t, ok)
	require.Equal(t, "book", name)
	name, ok = out.Names().Name(b)
	require.True(t, ok)
	require.Equal(t, "chapter", name)
	key, ok := out.Names().KeyOf("chapter")
	require.True(t, ok)
	require.Equal(t, b, key)
}

func TestRevisionRootAndUber_RoundTrip(t *testing.T) {
	root := NewRevisionRootPage(4)
	root.Root().MaxNodeKey = 999
	root.Root().NodeCount = 17
	root.Root().CommittedAt = 1700000000
	require.NoError(t, root.SetReference(RootNodeTreeOffset, NewCommittedReference(Key{ID: 10, Length: 1})))

	out := roundTrip(t, root)
	require.Equal(t, *root.Root(), *out.Root())
	ref, err := out.PeekReference(RootNodeTreeOffset)
	require.NoError(t, err)
	require.Equal(t, uint64(10), ref.Key().ID)
	ref, err = out.PeekReference(RootNamePageOffset)
	require.NoError(t, err)
	require.Nil(t, ref)

	uber := NewUberPage(4)
	uber.Uber().RevisionCount = 5
	outUber := roundTrip(t, uber)
	require.Equal(t, uint64(5), outUber.Uber().RevisionCount)
	require.Equal(t, 1, outUber.ReferenceCount())
}

func TestEncode_RejectsUncommittedReference(t *testing.T) {
	p := NewIndirectPage(128, 1)
	require.NoError(t, p.SetReference(3, NewReferenceTo(NewIndirectPage(128, 1))))
	_, err := testCodec.Encode(p)
	require.Error(t, err)
}

func TestEncode_EmptyReferenceIsAbsent(t *testing.T) {
	p := NewIndirectPage(128, 1)
	ref, err := p.GetOrCreateReference(9)
	require.NoError(t, err)
	require.True(t, ref.IsEmpty())

	out := roundTrip(t, p)
	got, err := out.PeekReference(9)
	require.NoError(t, err)
	require.Nil(t, got, "an untouched materialised slot must not serialize as present")
}

func TestDecode_Corruption(t *testing.T) {
	p := NewUberPage(1)
	data, err := testCodec.Encode(p)
	require.NoError(t, err)

	_, err = testCodec.Decode(data[:len(data)-3])
	require.True(t, errors.Is(err, dberror.ErrCorruption))

	_, err = testCodec.Decode(append(data, 0))
	require.True(t, errors.Is(err, dberror.ErrCorruption))

	bad := append([]byte(nil), data...)
	bad[0] = 99
	_, err = testCodec.Decode(bad)
	require.True(t, errors.Is(err, dberror.ErrCorruption))

	bad = append([]byte(nil), data...)
	bad[9] = 7 // presence flag of slot 0
	_, err = testCodec.Decode(bad)
	require.True(t, errors.Is(err, dberror.ErrCorruption))
}

func TestClone_IsShallowAndLeavesSourceUntouched(t *testing.T) {
	child := NewCommittedReference(Key{ID: 77})
	src := NewIndirectPage(128, 1)
	require.NoError(t, src.SetReference(1, child))

	c := src.Clone(2)
	require.Equal(t, uint64(2), c.Revision())
	require.Equal(t, uint64(1), src.Revision())

	cref, err := c.PeekReference(1)
	require.NoError(t, err)
	require.NotSame(t, child, cref, "references are copied, not aliased")
	require.Equal(t, child.Key(), cref.Key())

	cref.SetPage(NewIndirectPage(128, 2))
	require.True(t, child.IsCommitted(), "mutating the clone must not touch the source")
	require.False(t, child.IsInstantiated())
}

func TestClone_NodeBodyIsIndependent(t *testing.T) {
	src := NewNodePage(0, 1)
	src.Node().SetRecord(1, &Node{Key: 1, Kind: NodeKindText, Value: []byte("a")})
	c := src.Clone(2)
	c.Node().SetRecord(1, &Node{Key: 1, Kind: NodeKindText, Value: []byte("b")})
	c.Node().SetRecord(2, &Node{Key: 2, Kind: NodeKindText})

	require.Equal(t, []byte("a"), src.Node().Record(1).Value)
	require.Nil(t, src.Node().Record(2))
}

func TestReferenceAccessors(t *testing.T) {
	p := NewRevisionRootPage(0)
	_, err := p.PeekReference(2)
	require.ErrorIs(t, err, dberror.ErrOffsetOutOfRange)
	_, err = p.GetOrCreateReference(-1)
	require.ErrorIs(t, err, dberror.ErrOffsetOutOfRange)

	ref, err := p.PeekReference(RootNamePageOffset)
	require.NoError(t, err)
	require.Nil(t, ref, "peek must not materialise a reference")

	created, err := p.GetOrCreateReference(RootNamePageOffset)
	require.NoError(t, err)
	again, err := p.GetOrCreateReference(RootNamePageOffset)
	require.NoError(t, err)
	require.Same(t, created, again)
}

func TestCommit_FansOutOverNonNilReferences(t *testing.T) {
	p := NewIndirectPage(128, 1)
	require.NoError(t, p.SetReference(4, NewReferenceTo(NewNodePage(4, 1))))
	require.NoError(t, p.SetReference(100, NewCommittedReference(Key{ID: 8})))

	c := &recordingCommitter{}
	require.NoError(t, p.Commit(c))
	require.Len(t, c.seen, 2)
	require.Len(t, p.DirtyReferences(), 1)
}

func TestReferenceLifecycle(t *testing.T) {
	ref := NewReference()
	require.True(t, ref.IsEmpty())

	ref.SetLogicalID(12)
	require.True(t, ref.IsDirty())
	id, ok := ref.LogicalID()
	require.True(t, ok)
	require.Equal(t, uint64(12), id)

	ref.SetKey(Key{ID: 1})
	require.True(t, ref.IsCommitted())
	require.False(t, ref.IsDirty())
	_, ok = ref.LogicalID()
	require.False(t, ok)

	ref.SetPage(NewNodePage(12, 3))
	require.False(t, ref.IsCommitted())
	require.True(t, ref.IsInstantiated())
	ref.SetKey(Key{ID: 2})
	ref.DropPage()
	require.False(t, ref.IsInstantiated())
	require.True(t, ref.IsCommitted())
}

func TestRecordAddressing(t *testing.T) {
	require.Equal(t, uint64(0), PageNumberOf(5))
	require.Equal(t, 5, SlotOf(5))
	require.Equal(t, uint64(1), PageNumberOf(128))
	require.Equal(t, 0, SlotOf(128))
	require.Equal(t, uint64(200), PageNumberOf(200*NodesPerPage+3))
}
