// Package page defines the fixed set of page kinds that make up a revision's
// page tree, their reference slots and their binary layout.
//
// Pages form a tagged union dispatched on Kind. Every kind carries a fixed
// number of child reference slots and a revision stamp; node, name,
// revision-root and uber pages additionally carry a kind specific body.
package page

import (
	"fmt"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
)

// Kind tags the page variant.
type Kind byte

const (
	KindNode Kind = iota + 1
	KindName
	KindIndirect
	KindRevisionRoot
	KindUber
)

// Reference slot layout of the fixed-shape kinds.
const (
	RootNodeTreeOffset = 0 // revision root -> top indirect page of the node tree
	RootNamePageOffset = 1 // revision root -> name page
	rootReferenceCount = 2

	UberRevisionTreeOffset = 0 // uber -> top indirect page of the revision tree
	uberReferenceCount     = 1
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindName:
		return "name"
	case KindIndirect:
		return "indirect"
	case KindRevisionRoot:
		return "revision-root"
	case KindUber:
		return "uber"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Committer persists a child reference. Page.Commit fans out over it.
type Committer interface {
	CommitReference(ref *Reference) error
}

// Page is one node of the copy-on-write page tree.
type Page struct {
	kind     Kind
	revision uint64
	refs     []*Reference

	node  *NodeBody
	names *NameBody
	root  *RootBody
	uber  *UberBody
}

// New allocates a page of the given kind with refCount empty slots. The kind
// body is initialised empty.
func New(kind Kind, refCount int, revision uint64) *Page {
	p := &Page{
		kind:     kind,
		revision: revision,
		refs:     make([]*Reference, refCount),
	}
	switch kind {
	case KindNode:
		p.node = &NodeBody{}
	case KindName:
		p.names = newNameBody()
	case KindRevisionRoot:
		p.root = &RootBody{MaxNodeKey: -1}
	case KindUber:
		p.uber = &UberBody{}
	}
	return p
}

// NewNodePage returns an empty leaf page for the given logical page number.
func NewNodePage(pageNumber, revision uint64) *Page {
	p := New(KindNode, 0, revision)
	p.node.PageNumber = pageNumber
	return p
}

func NewNamePage(revision uint64) *Page { return New(KindName, 0, revision) }

func NewIndirectPage(fanOut int, revision uint64) *Page {
	return New(KindIndirect, fanOut, revision)
}

func NewRevisionRootPage(revision uint64) *Page {
	return New(KindRevisionRoot, rootReferenceCount, revision)
}

func NewUberPage(revision uint64) *Page {
	return New(KindUber, uberReferenceCount, revision)
}

func (p *Page) Kind() Kind          { return p.kind }
func (p *Page) Revision() uint64    { return p.revision }
func (p *Page) ReferenceCount() int { return len(p.refs) }
func (p *Page) Node() *NodeBody     { return p.node }
func (p *Page) Names() *NameBody    { return p.names }
func (p *Page) Root() *RootBody     { return p.root }
func (p *Page) Uber() *UberBody     { return p.uber }
func (p *Page) String() string      { return fmt.Sprintf("%s@r%d", p.kind, p.revision) }

func (p *Page) checkOffset(i int) error {
	if i < 0 || i >= len(p.refs) {
		return fmt.Errorf("%w: %d not in [0,%d) for %s page", dberror.ErrOffsetOutOfRange, i, len(p.refs), p.kind)
	}
	return nil
}

// PeekReference returns the reference at slot i, or nil if the slot is empty.
// It never modifies the page.
func (p *Page) PeekReference(i int) (*Reference, error) {
	if err := p.checkOffset(i); err != nil {
		return nil, err
	}
	return p.refs[i], nil
}

// GetOrCreateReference returns the reference at slot i, materialising an
// empty one if needed. An empty reference does not make the slot present in
// the serialized form until a page or key is written through it.
func (p *Page) GetOrCreateReference(i int) (*Reference, error) {
	if err := p.checkOffset(i); err != nil {
		return nil, err
	}
	if p.refs[i] == nil {
		p.refs[i] = NewReference()
	}
	return p.refs[i], nil
}

func (p *Page) SetReference(i int, ref *Reference) error {
	if err := p.checkOffset(i); err != nil {
		return err
	}
	p.refs[i] = ref
	return nil
}

// Commit hands every non-nil child reference to c, in slot order.
func (p *Page) Commit(c Committer) error {
	for _, ref := range p.refs {
		if ref == nil {
			continue
		}
		if err := c.CommitReference(ref); err != nil {
			return err
		}
	}
	return nil
}

// DirtyReferences returns the child references that still need a commit.
func (p *Page) DirtyReferences() []*Reference {
	var dirty []*Reference
	for _, ref := range p.refs {
		if ref != nil && ref.IsDirty() {
			dirty = append(dirty, ref)
		}
	}
	return dirty
}

// Clone is the copy-on-write primitive: it returns a page of the same kind
// stamped with newRevision. References are copied by value, so unmodified
// subtrees stay shared with the source; the kind body is deep copied. The
// receiver is never modified.
func (p *Page) Clone(newRevision uint64) *Page {
	c := &Page{
		kind:     p.kind,
		revision: newRevision,
		refs:     make([]*Reference, len(p.refs)),
	}
	for i, ref := range p.refs {
		if ref != nil && !ref.IsEmpty() {
			c.refs[i] = ref.clone()
		}
	}
	if p.node != nil {
		n := *p.node
		c.node = &n
	}
	if p.names != nil {
		c.names = p.names.clone()
	}
	if p.root != nil {
		r := *p.root
		c.root = &r
	}
	if p.uber != nil {
		u := *p.uber
		c.uber = &u
	}
	return c
}

// --- Kind bodies ---

// RootBody is the per-revision metadata of a RevisionRootPage.
type RootBody struct {
	MaxNodeKey  int64 // -1 while the revision holds no record
	NodeCount   uint64
	CommittedAt int64 // unix nanoseconds, set at commit
}

// UberBody is the payload of the bootstrap page.
type UberBody struct {
	RevisionCount uint64
}
